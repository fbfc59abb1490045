package burst

import "fmt"

var (
	// ErrProvisioning covers security group creation, ingress authorization,
	// key pair generation/import and private key persistence failures.
	ErrProvisioning = fmt.Errorf("fleet provisioning failed")

	// ErrRequestSubmission covers spot instance request submission failures.
	// Submission is not retried on ambiguous failure.
	ErrRequestSubmission = fmt.Errorf("spot request submission failed")

	// ErrResolutionPolling covers non-transient control-plane failures while
	// polling spot request state.
	ErrResolutionPolling = fmt.Errorf("spot request resolution polling failed")

	// ErrRequestRejected is returned when one or more spot requests resolved
	// without an instance. Instances that did resolve are still terminated.
	ErrRequestRejected = fmt.Errorf("spot request resolved without an instance")

	// ErrReadinessPolling covers control-plane failures while waiting for
	// resolved instances to report complete addressing.
	ErrReadinessPolling = fmt.Errorf("instance readiness polling failed")
)
