// burst provisions short-lived fleets of EC2 spot instances, configures each
// instance over SSH and hands the live fleet to caller-supplied logic,
// terminating every launched instance when that logic returns - however it
// returns.
//
// # Overview
//
// Callers describe the fleet as named machine sets, each with an AMI, an
// instance type, a requested count and a setup routine, then call 'Run':
//
//	b := burst.New().
//		AddSet("workers", 2, burst.NewMachineSetup("t3.medium", "ami-0abcd", setupWorker)).
//		AddSet("leader", 1, burst.NewMachineSetup("t3.large", "ami-0abcd", setupLeader))
//	err := b.Run(ctx, func(fleet map[string][]burst.Machine) error {
//		// All machines are set up and carry live SSH sessions.
//		return nil
//	})
//
// # Lifecycle
//
// A run moves through the following phases in order:
//  1. Provision - a security group permitting SSH from anywhere plus
//     unrestricted intra-fleet traffic, and a locally generated ED25519 key
//     pair whose public half is imported and whose private half is written to
//     a 0600 temp file scoped to the run
//  2. Submit - one spot instance request per machine set
//  3. Resolve - poll the requests until none is open or awaiting an instance
//  4. Cancel - cancel the requests themselves (not the instances) so
//     fulfillment cannot recur; failure here is a warning, not fatal
//  5. Readiness - poll until every fulfilled instance reports complete
//     addressing (private IP, public IP, public DNS)
//  6. Setup - concurrently connect to every instance over SSH and run its
//     set's setup routine; failures are collected, never cancel siblings
//  7. Callback - invoked only if every setup routine succeeded
//
// From the moment a spot request is fulfilled, its instance ID is tracked for
// termination. Termination runs on a detached goroutine when 'Run' returns by
// any path, retrying transient failures with capped backoff; use 'Wait' to
// grant it a grace period before process exit.
//
// Note: the security group and key pair created in phase 1 are not deleted;
// only instances are terminated. Both carry burst-managed tags so external
// reapers can collect them.
//
// Polling phases have no internal deadline - bound the whole run through the
// context passed to 'Run'.
package burst
