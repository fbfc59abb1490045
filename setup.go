package burst

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chainguard-dev/clog"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/burstcompute/burst/ssh"
)

// setupConcurrency bounds the SSH fan-out. Fleets larger than this are
// serviced as workers free up.
const setupConcurrency = 16

// dialFn matches ssh.Connect; swappable so tests can fan out against
// in-process servers.
type dialFn func(host string, port uint16, user string, signer cryptossh.Signer, hostKeys ...cryptossh.PublicKey) (*ssh.Session, error)

// setupExecutor runs every machine's setup routine concurrently, one SSH
// connection per machine, collecting failures without ever cancelling
// siblings.
type setupExecutor struct {
	keyPath string
	dial    dialFn
}

func newSetupExecutor(keyPath string) *setupExecutor {
	return &setupExecutor{
		keyPath: keyPath,
		dial:    ssh.Connect,
	}
}

// setupAll connects to every machine across all sets and runs its set's
// setup routine, attaching the live session to the Machine on success.
// All machines are attempted exactly once; per-machine failures are collected
// into the returned unordered list. An empty list means the whole fleet is
// configured.
func (e *setupExecutor) setupAll(ctx context.Context, fleet map[string][]Machine, setups map[string]MachineSetup) []error {
	pemData, err := os.ReadFile(e.keyPath)
	if err != nil {
		return []error{fmt.Errorf("reading private key %s: %w", e.keyPath, err)}
	}
	signer, err := ssh.ParseKey(pemData)
	if err != nil {
		return []error{err}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(setupConcurrency)
	for set, machines := range fleet {
		ms := setups[set]
		for i := range machines {
			m := &machines[i]
			g.Go(func() error {
				if err := e.setupOne(ctx, m, ms, signer); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				// Never an error here: a failing machine must not cancel its
				// siblings.
				return nil
			})
		}
	}
	_ = g.Wait()
	return errs
}

func (e *setupExecutor) setupOne(ctx context.Context, m *Machine, ms MachineSetup, signer cryptossh.Signer) error {
	log := clog.FromContext(ctx).With("set", m.Set, "ip", m.PublicIP)
	sess, err := e.dial(m.PublicIP, ssh.DefaultPort, ms.user, signer)
	if err != nil {
		log.Error("failed to connect", "error", err)
		return fmt.Errorf("connecting to %s machine %s: %w", m.Set, m.PublicIP, err)
	}
	if ms.setup != nil {
		log.Debug("running setup routine")
		if err := ms.setup(ctx, sess); err != nil {
			_ = sess.Close()
			log.Error("setup routine failed", "error", err)
			return fmt.Errorf("setup routine for %s machine %s: %w", m.Set, m.PublicIP, err)
		}
	}
	m.Session = sess
	log.Info("machine set up")
	return nil
}
