package burst

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
)

// readinessWaiter polls the control plane until every fulfilled instance
// reports complete addressing.
type readinessWaiter struct {
	client       ec2API
	pollInterval time.Duration
}

func newReadinessWaiter(client ec2API) *readinessWaiter {
	return &readinessWaiter{client: client, pollInterval: defaultPollInterval}
}

// awaitReady polls "describe instances" until every instance in 'res'
// simultaneously reports an instance ID, instance type, private IP, public
// DNS name and public IP, then returns one Machine per instance keyed by its
// machine set.
//
// Any instance still missing a field marks the whole round not ready; the
// result is rebuilt from scratch each round rather than patched
// incrementally, which keeps the convergence check race-free at the cost of
// re-describing ready instances. There is no internal deadline - the caller
// bounds the run through 'ctx'.
func (w *readinessWaiter) awaitReady(ctx context.Context, res *resolution) (map[string][]Machine, error) {
	log := clog.FromContext(ctx)
	log.Debug("waiting for instances to report addressing", "count", len(res.instanceIDs))
	for {
		fleet := make(map[string][]Machine, len(res.instanceToSet))
		ready := true

		result, err := w.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: res.instanceIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadinessPolling, err)
		}
		for _, reservation := range result.Reservations {
			for _, inst := range reservation.Instances {
				if inst.InstanceId == nil ||
					inst.InstanceType == "" ||
					inst.PrivateIpAddress == nil ||
					aws.ToString(inst.PublicDnsName) == "" ||
					inst.PublicIpAddress == nil {
					ready = false
					continue
				}
				m := Machine{
					ID:           *inst.InstanceId,
					Set:          res.instanceToSet[*inst.InstanceId],
					InstanceType: string(inst.InstanceType),
					PrivateIP:    *inst.PrivateIpAddress,
					PublicIP:     *inst.PublicIpAddress,
					PublicDNS:    *inst.PublicDnsName,
				}
				fleet[m.Set] = append(fleet[m.Set], m)
				log.Debug("instance addressing complete", "set", m.Set, "instance", m.ID, "ip", m.PublicIP)
			}
		}
		if ready {
			log.Info("all instances ready", "count", len(res.instanceIDs))
			return fleet, nil
		}
		if err := sleepCtx(ctx, w.pollInterval); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadinessPolling, err)
		}
	}
}
