package consensus

import (
	"sync"

	"github.com/Klingon-tech/klingnet-pow/internal/log"
)

// MineCoordinator holds the single outstanding proof-of-work puzzle and
// the channel its solution is delivered on.
//
// Replacing or cancelling the context sends nil on the previous channel.
// A solution is accepted at most once per context.
type MineCoordinator struct {
	mu      sync.Mutex
	pow     PowVerifier
	current *MineContext
	done    chan *Proof
	changed chan struct{}
}

// NewMineCoordinator creates a coordinator that checks solutions with pow.
func NewMineCoordinator(pow PowVerifier) *MineCoordinator {
	return &MineCoordinator{
		pow:     pow,
		changed: make(chan struct{}),
	}
}

// CurrentContext returns a copy of the outstanding puzzle, or nil.
func (m *MineCoordinator) CurrentContext() *MineContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	c.Header = append([]byte(nil), m.current.Header...)
	return &c
}

// SubmitContext replaces the outstanding puzzle and returns the channel
// the solution will be delivered on. The channel receives exactly one
// value: the accepted proof, or nil if the context is replaced or
// cancelled first.
func (m *MineCoordinator) SubmitContext(ctx MineContext) <-chan *Proof {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	ctx.Header = append([]byte(nil), ctx.Header...)
	m.current = &ctx
	m.done = make(chan *Proof, 1)
	m.notifyLocked()
	return m.done
}

// AcceptSolution delivers proof if ctx is the outstanding puzzle and
// proof solves it. On success the context is cleared.
func (m *MineCoordinator) AcceptSolution(ctx *MineContext, proof *Proof) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || !m.current.Equal(ctx) {
		powSolutions.WithLabelValues("stale").Inc()
		return false
	}
	if err := m.pow.Verify(m.current.Header, proof); err != nil {
		powSolutions.WithLabelValues("invalid").Inc()
		log.Consensus.Debug().Err(err).Uint64("nonce", proof.nonce()).Msg("Rejected solution")
		return false
	}

	m.done <- proof
	m.done = nil
	m.current = nil
	m.notifyLocked()
	powSolutions.WithLabelValues("accepted").Inc()
	return true
}

// Cancel drops the outstanding puzzle, if any.
func (m *MineCoordinator) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.cancelLocked()
	m.notifyLocked()
}

// Changed returns a channel that is closed the next time the context
// is replaced, solved or cancelled.
func (m *MineCoordinator) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// cancelLocked sends the cancellation sentinel to the current waiter.
func (m *MineCoordinator) cancelLocked() {
	if m.done != nil {
		m.done <- nil
		m.done = nil
	}
	m.current = nil
}

func (m *MineCoordinator) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (p *Proof) nonce() uint64 {
	if p == nil {
		return 0
	}
	return p.Nonce
}
