package burst

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// RunFn is the caller-supplied fleet callback. It receives the finished
// set-name to machine-list mapping, every machine carrying a live SSH
// session, and its result becomes the run's result.
type RunFn func(fleet map[string][]Machine) error

type setPlan struct {
	setup MachineSetup
	count int32
}

// Builder accumulates the fleet plan and run options. Construct with 'New',
// describe the fleet with 'AddSet', then call 'Run'. A Builder is consumed by
// a single run and is not safe for concurrent mutation.
type Builder struct {
	plan        map[string]setPlan
	region      string
	maxDuration time.Duration
	sinks       []slog.Handler

	// Test seams; zero values select the real implementations.
	pollInterval time.Duration
	dial         dialFn

	// guard is retained after a run so 'Wait' can grant cleanup a grace
	// period.
	guard *cleanupGuard
}

func New() *Builder {
	return &Builder{
		plan: make(map[string]setPlan),
	}
}

// AddSet adds a machine set: 'count' machines described by 'ms', keyed by
// 'name'. Adding a name twice replaces the earlier entry.
func (b *Builder) AddSet(name string, count int32, ms MachineSetup) *Builder {
	b.plan[name] = setPlan{setup: ms, count: count}
	return b
}

// WithRegion overrides the AWS region resolved from the environment.
func (b *Builder) WithRegion(region string) *Builder {
	b.region = region
	return b
}

// WithMaxDuration records an advisory ceiling for the run. It is logged, not
// enforced - bound the run with the context passed to 'Run'.
func (b *Builder) WithMaxDuration(d time.Duration) *Builder {
	b.maxDuration = d
	return b
}

// WithLogSinks directs the run's structured logs at the provided handlers.
// Multiple handlers are fanned out; none means the run is silent.
func (b *Builder) WithLogSinks(sinks ...slog.Handler) *Builder {
	b.sinks = append(b.sinks, sinks...)
	return b
}

func (b *Builder) logger() *clog.Logger {
	switch len(b.sinks) {
	case 0:
		return clog.New(slog.DiscardHandler)
	case 1:
		return clog.New(b.sinks[0])
	default:
		return clog.New(slogmulti.Fanout(b.sinks...))
	}
}

// Run provisions the fleet, sets up every machine and invokes 'fn' with the
// live fleet. Whatever happens - provisioning failure, rejected spot
// requests, setup failures, a callback error or a panic unwinding through
// the run - every instance that was ever launched is scheduled for
// termination before Run returns.
//
// The returned error is the callback's result when everything before it
// succeeded; otherwise the first error of the earliest failing phase.
func (b *Builder) Run(ctx context.Context, fn RunFn) error {
	ctx = clog.WithLogger(ctx, b.logger())
	if len(b.plan) == 0 {
		return fmt.Errorf("no machine sets were added")
	}

	var opts []func(*config.LoadOptions) error
	if b.region != "" {
		opts = append(opts, config.WithRegion(b.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("%w: loading AWS config: %w", ErrProvisioning, err)
	}
	return b.run(ctx, ec2.NewFromConfig(cfg), fn)
}

// run is split from Run so tests can substitute the control-plane client.
func (b *Builder) run(ctx context.Context, client ec2API, fn RunFn) error {
	log := clog.FromContext(ctx)
	if b.maxDuration > 0 {
		log.Info("max duration is advisory only; bound the run via the context", "max_duration", b.maxDuration)
	}
	log.Info("spinning up fleet", "sets", len(b.plan))

	prov, err := provision(ctx, client)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(prov.keyPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove private key file", "path", prov.keyPath, "error", err)
		}
	}()

	sched := newSpotScheduler(client, b.plan, prov)
	if b.pollInterval > 0 {
		sched.pollInterval = b.pollInterval
	}
	if err := sched.submit(ctx); err != nil {
		return err
	}

	// Armed empty, filled as requests resolve. From here on, every exit path
	// terminates whatever launched.
	guard := newCleanupGuard(client)
	b.guard = guard
	defer guard.release(log)

	res, err := sched.awaitResolution(ctx, guard)
	if err != nil {
		return err
	}
	sched.cancel(ctx)

	if !res.fullyActive() {
		return fmt.Errorf("%w: sets %v", ErrRequestRejected, res.rejected)
	}

	waiter := newReadinessWaiter(client)
	if b.pollInterval > 0 {
		waiter.pollInterval = b.pollInterval
	}
	fleet, err := waiter.awaitReady(ctx, res)
	if err != nil {
		return err
	}

	exec := newSetupExecutor(prov.keyPath)
	if b.dial != nil {
		exec.dial = b.dial
	}
	setups := make(map[string]MachineSetup, len(b.plan))
	for name, sp := range b.plan {
		setups[name] = sp.setup
	}
	if errs := exec.setupAll(ctx, fleet, setups); len(errs) > 0 {
		log.Error("machine setup failed", "failures", len(errs))
		return errs[0]
	}

	log.Info("fleet configured; handing off to caller")
	defer closeSessions(fleet)
	start := time.Now()
	if err := fn(fleet); err != nil {
		log.Error("fleet callback failed", "error", err)
		return fmt.Errorf("fleet callback: %w", err)
	}
	log.Info("fleet callback finished", "duration", time.Since(start))
	return nil
}

// Wait blocks until the background instance termination spawned by the most
// recent run has finished, or 'ctx' expires. Call before process exit so
// cleanup is not killed mid-retry. Returns immediately if no run launched
// anything.
func (b *Builder) Wait(ctx context.Context) error {
	if b.guard == nil {
		return nil
	}
	return b.guard.wait(ctx)
}
