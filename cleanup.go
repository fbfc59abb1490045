package burst

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
)

// cleanupGuard guarantees a best-effort termination of every instance the run
// ever resolved, no matter how the run exits.
//
// The guard is armed empty before resolution polling begins and grows in
// place as requests are fulfilled, so an abort mid-resolution still
// terminates whatever resolved. Tracking happens strictly before release on
// every path, so the ID set needs no locking.
type cleanupGuard struct {
	client ec2API
	ids    []string

	retryWait    time.Duration
	retryWaitMax time.Duration

	once sync.Once
	done chan struct{}
}

func newCleanupGuard(client ec2API) *cleanupGuard {
	return &cleanupGuard{
		client:       client,
		retryWait:    2 * time.Second,
		retryWaitMax: 30 * time.Second,
		done:         make(chan struct{}),
	}
}

// track adds instance IDs to the termination set. Must not be called after
// release.
func (g *cleanupGuard) track(ids ...string) {
	g.ids = append(g.ids, ids...)
}

// release begins termination of every tracked instance on a detached
// goroutine and returns immediately - cleanup latency never delays the
// caller's result. Safe to call more than once; only the first call acts.
func (g *cleanupGuard) release(log *clog.Logger) {
	g.once.Do(func() {
		if len(g.ids) == 0 {
			close(g.done)
			return
		}
		go g.terminate(log)
	})
}

// wait blocks until the background termination has finished, or 'ctx'
// expires. Host processes should call this before exiting so the detached
// goroutine is not killed mid-retry.
func (g *cleanupGuard) wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *cleanupGuard) terminate(log *clog.Logger) {
	defer close(g.done)
	// Deliberately not the run's context: termination must proceed even after
	// the run has returned or its context was cancelled.
	ctx := context.Background()
	log.Info("terminating instances", "count", len(g.ids))
	wait := g.retryWait
	for {
		_, err := g.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: g.ids,
		})
		if err == nil {
			log.Info("instances terminated", "count", len(g.ids))
			return
		}
		if !isTransientNetErr(err) {
			// Termination is attempted, not confirmed. The instances carry
			// burst-managed tags for external reapers.
			log.Warn("failed to terminate instances", "error", err)
			return
		}
		log.Debug("transient failure terminating instances, retrying", "wait", wait, "error", err)
		time.Sleep(wait)
		wait = min(wait*2, g.retryWaitMax)
	}
}

// isTransientNetErr reports whether 'err' looks like a connectivity blip
// worth retrying, as opposed to the control plane rejecting the call.
func isTransientNetErr(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
