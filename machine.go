package burst

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/burstcompute/burst/ssh"
)

// SetupFn is a caller-supplied routine run once per machine over a live SSH
// session before the fleet callback is invoked. It must not retain the
// session beyond its own return and must not share mutable state with other
// sets' routines.
type SetupFn func(ctx context.Context, sess *ssh.Session) error

// MachineSetup is an immutable descriptor of the machines in one set: which
// image and instance type to launch, which user to connect as and how to
// configure each machine once it is reachable.
type MachineSetup struct {
	instanceType types.InstanceType
	ami          string
	user         string
	setup        SetupFn
}

// NewMachineSetup describes one set's machines. 'setup' is run once per
// launched machine; a nil 'setup' leaves machines unconfigured but still
// attaches a session.
func NewMachineSetup(instanceType, ami string, setup SetupFn) MachineSetup {
	return MachineSetup{
		instanceType: types.InstanceType(instanceType),
		ami:          ami,
		user:         ssh.DefaultUser,
		setup:        setup,
	}
}

// WithUser overrides the SSH login user (default "ec2-user").
func (ms MachineSetup) WithUser(user string) MachineSetup {
	ms.user = user
	return ms
}

// Machine is one resolved, running instance of the fleet.
type Machine struct {
	// ID is the cloud instance ID.
	ID string

	// Set is the name of the machine set this machine belongs to.
	Set string

	// InstanceType is the launched instance type, as reported by the control
	// plane.
	InstanceType string

	// PrivateIP, PublicIP and PublicDNS are the machine's complete addressing.
	// A Machine is never constructed with any of them missing.
	PrivateIP string
	PublicIP  string
	PublicDNS string

	// Session is the live SSH session opened during setup. It is nil until the
	// machine's setup routine has succeeded and is closed once the fleet
	// callback returns.
	Session *ssh.Session
}

// closeSessions drops every live session in the fleet. Called after the
// fleet callback returns, success or not.
func closeSessions(fleet map[string][]Machine) {
	for _, machines := range fleet {
		for i := range machines {
			if machines[i].Session == nil {
				continue
			}
			_ = machines[i].Session.Close()
			machines[i].Session = nil
		}
	}
}
