package burst

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
)

const defaultPollInterval = 3 * time.Second

// spotScheduler owns the spot request leg of the run: one request per machine
// set, sequential polling until every request is resolved, then cancellation
// of the requests themselves so fulfillment cannot recur.
type spotScheduler struct {
	client          ec2API
	plan            map[string]setPlan
	securityGroupID string
	keyName         string
	pollInterval    time.Duration

	// requestToSet maps every submitted request ID to its machine set. Written
	// only by 'submit'.
	requestToSet map[string]string
	requestIDs   []string
}

func newSpotScheduler(client ec2API, plan map[string]setPlan, prov *provisioned) *spotScheduler {
	return &spotScheduler{
		client:          client,
		plan:            plan,
		securityGroupID: prov.securityGroupID,
		keyName:         prov.keyName,
		pollInterval:    defaultPollInterval,
		requestToSet:    make(map[string]string, len(plan)),
	}
}

// submit issues one spot instance request per machine set, tagged with the
// set's name. Submission is not retried: an ambiguous failure surfaces
// immediately rather than risking a duplicate fleet.
func (s *spotScheduler) submit(ctx context.Context) error {
	log := clog.FromContext(ctx)
	for name, sp := range s.plan {
		result, err := s.client.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
			InstanceCount: aws.Int32(sp.count),
			LaunchSpecification: &types.RequestSpotLaunchSpecification{
				ImageId:          aws.String(sp.setup.ami),
				InstanceType:     sp.setup.instanceType,
				SecurityGroupIds: []string{s.securityGroupID},
				KeyName:          aws.String(s.keyName),
			},
			TagSpecifications: tagSpecificationWithDefaults(
				types.ResourceTypeSpotInstancesRequest,
				types.Tag{Key: aws.String(tagKeyName), Value: aws.String(name)},
			),
		})
		if err != nil {
			return fmt.Errorf("%w: set %q: %w", ErrRequestSubmission, name, err)
		}
		for _, sir := range result.SpotInstanceRequests {
			if sir.SpotInstanceRequestId == nil {
				continue
			}
			id := *sir.SpotInstanceRequestId
			s.requestToSet[id] = name
			s.requestIDs = append(s.requestIDs, id)
			log.Debug("submitted spot request", "set", name, "request", id)
		}
		log.Info("issued spot requests", "set", name, "count", sp.count)
	}
	return nil
}

// resolution is the outcome of the polling loop: every fulfilled instance ID
// mapped back to its machine set, and whether every request was fulfilled.
type resolution struct {
	instanceToSet map[string]string
	instanceIDs   []string

	// rejected holds the set names of requests that resolved without an
	// instance, one entry per rejected request.
	rejected []string
}

func (r *resolution) fullyActive() bool {
	return len(r.rejected) == 0
}

// awaitResolution polls the submitted requests until none is pending. A
// request is pending while its state is 'open', or 'active' without an
// assigned instance yet (fulfillment lag). Polling rounds are strictly
// sequential.
//
// Each fulfilled instance ID is handed to 'guard' the moment it is seen, so
// termination covers everything that resolved even if a later phase fails.
//
// The control plane exhibits read-after-write lag on fresh request IDs; a
// not-found error is treated as pending and retried. Any other query error is
// fatal.
func (s *spotScheduler) awaitResolution(ctx context.Context, guard *cleanupGuard) (*resolution, error) {
	log := clog.FromContext(ctx)
	log.Debug("waiting for spot requests to resolve", "count", len(s.requestIDs))
	for {
		result, err := s.client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: s.requestIDs,
		})
		if err != nil {
			if isRequestNotFound(err) {
				log.Debug("spot requests not yet visible")
				if err := sleepCtx(ctx, s.pollInterval); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrResolutionPolling, err)
				}
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrResolutionPolling, err)
		}

		pending := false
		for _, sir := range result.SpotInstanceRequests {
			if sir.State == types.SpotInstanceStateOpen ||
				(sir.State == types.SpotInstanceStateActive && sir.InstanceId == nil) {
				pending = true
				break
			}
		}
		if pending {
			if err := sleepCtx(ctx, s.pollInterval); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrResolutionPolling, err)
			}
			continue
		}

		res := &resolution{
			instanceToSet: make(map[string]string, len(s.requestIDs)),
		}
		for _, sir := range result.SpotInstanceRequests {
			reqID := aws.ToString(sir.SpotInstanceRequestId)
			set := s.requestToSet[reqID]
			if sir.State == types.SpotInstanceStateActive && sir.InstanceId != nil {
				instanceID := *sir.InstanceId
				res.instanceToSet[instanceID] = set
				res.instanceIDs = append(res.instanceIDs, instanceID)
				guard.track(instanceID)
				log.Info("spot request fulfilled", "set", set, "request", reqID, "instance", instanceID)
			} else {
				res.rejected = append(res.rejected, set)
				log.Warn("spot request not fulfilled", "set", set, "request", reqID, "state", sir.State)
			}
		}
		return res, nil
	}
}

// cancel cancels every submitted spot request so that a fulfilled instance
// stopping later cannot trigger a replacement launch. The instances
// themselves are untouched. Cancellation failure is not fatal - fulfilled
// requests are already consumed by their instances.
func (s *spotScheduler) cancel(ctx context.Context) {
	log := clog.FromContext(ctx)
	if len(s.requestIDs) == 0 {
		return
	}
	_, err := s.client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: s.requestIDs,
	})
	if err != nil {
		log.Warn("failed to cancel spot requests", "error", err)
		return
	}
	log.Debug("cancelled spot requests", "count", len(s.requestIDs))
}

// isRequestNotFound reports whether 'err' is the control plane saying a spot
// request ID does not exist (yet).
func isRequestNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidSpotInstanceRequestID.NotFound"
}

// sleepCtx sleeps for 'd' unless the context expires first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
