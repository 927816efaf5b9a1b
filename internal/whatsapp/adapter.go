// Package whatsapp owns the single external messaging session. The adapter
// reconciles the client's asynchronous lifecycle events into one connectivity
// answer and offers best-effort message operations on top of it.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"companion/internal/domain"
	"companion/internal/metrics"
)

// Poll budgets and delays from the reference behavior. Variables so tests can
// shrink them.
var (
	pollInterval       = 1 * time.Second
	initPollBudget     = 20
	recreatePollBudget = 10
	reconnectDelay     = 3 * time.Second
)

// TransitionSink receives connection phase transitions, e.g. for the session
// journal. May be nil.
type TransitionSink interface {
	Record(phase domain.Phase, detail string)
}

// Adapter is the process-wide singleton wrapping the messaging client.
// All request handlers share one instance so concurrent status polls and
// message operations observe the same connection state.
type Adapter struct {
	factory domain.ClientFactory
	logger  *slog.Logger
	sink    TransitionSink

	mu          sync.Mutex
	client      domain.MessagingClient
	phase       domain.Phase
	qr          string
	initStarted bool
	initErr     error
	reconnectPending bool
}

type AdapterConfig struct {
	// Factory builds clients bound to the persisted session identity. Called
	// once up front and again after destroying a corrupted client.
	Factory domain.ClientFactory
	Logger  *slog.Logger
	Sink    TransitionSink
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		factory: cfg.Factory,
		logger:  cfg.Logger,
		sink:    cfg.Sink,
		phase:   domain.PhaseUninitialized,
	}
	a.client = cfg.Factory()
	a.bind(a.client)
	return a
}

// bind registers lifecycle handlers on a (possibly recreated) client.
func (a *Adapter) bind(c domain.MessagingClient) {
	c.On(domain.EventQR, func(payload string) {
		a.mu.Lock()
		a.phase = domain.PhaseQRPending
		a.qr = payload
		a.mu.Unlock()
		a.record(domain.PhaseQRPending, "qr code received")
	})
	c.On(domain.EventAuthenticated, func(string) {
		a.mu.Lock()
		a.phase = domain.PhaseAuthenticated
		a.qr = ""
		a.mu.Unlock()
		a.record(domain.PhaseAuthenticated, "")
	})
	c.On(domain.EventReady, func(string) {
		a.mu.Lock()
		a.phase = domain.PhaseReady
		a.qr = ""
		a.mu.Unlock()
		a.record(domain.PhaseReady, "")
	})
	c.On(domain.EventDisconnected, func(reason string) {
		a.mu.Lock()
		a.phase = domain.PhaseDisconnected
		a.qr = ""
		a.initStarted = false // session needs a fresh initialize
		schedule := reason != domain.DisconnectReasonLogout && !a.reconnectPending
		if schedule {
			a.reconnectPending = true
		}
		a.mu.Unlock()
		a.record(domain.PhaseDisconnected, reason)

		if reason == domain.DisconnectReasonLogout {
			a.logger.Info("logged out, session gone; next connect needs a fresh QR scan")
			return
		}
		// One reconnect attempt per disconnect event, never a retry loop.
		if schedule {
			a.logger.Warn("disconnected, scheduling reconnect", "reason", reason, "delay", reconnectDelay)
			time.AfterFunc(reconnectDelay, func() {
				a.mu.Lock()
				a.reconnectPending = false
				a.mu.Unlock()
				if _, err := a.Connect(context.Background()); err != nil {
					a.logger.Error("reconnect attempt failed", "err", err)
				}
			})
		}
	})
}

func (a *Adapter) record(phase domain.Phase, detail string) {
	metrics.SetBridgePhase(string(phase))
	if a.sink != nil {
		a.sink.Record(phase, detail)
	}
}

// Connected reports the single connectivity signal. Authenticated counts as
// connected even before the ready event fires: the client reliably has an
// identity slightly before it is fully operational, and callers should not
// bounce between connected/disconnected during that gap. Operations in the
// authenticated-not-yet-ready window are allowed but logged (see guard).
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase == domain.PhaseAuthenticated || a.phase == domain.PhaseReady
}

// Status is an idempotent read-only snapshot. QR is set only in qr_pending.
func (a *Adapter) Status() domain.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *Adapter) statusLocked() domain.ConnectionStatus {
	return domain.ConnectionStatus{
		Connected: a.phase == domain.PhaseAuthenticated || a.phase == domain.PhaseReady,
		Phase:     a.phase,
		QR:        a.qr,
	}
}

// Connect triggers initialization and polls until a QR code appears or the
// session is ready, whichever comes first. Exhausting the poll budget returns
// the last-known state — "still initializing, no code yet" is a valid outcome
// the caller retries via Status, not an error.
func (a *Adapter) Connect(ctx context.Context) (domain.ConnectionStatus, error) {
	a.mu.Lock()
	if a.phase == domain.PhaseReady {
		st := a.statusLocked()
		a.mu.Unlock()
		return st, nil
	}
	// An already-initialized client must not be initialized twice; report
	// whatever state it is in.
	if a.initStarted && a.client.Initialized() {
		st := a.statusLocked()
		a.mu.Unlock()
		return st, nil
	}
	client := a.client
	start := !a.initStarted
	if start {
		a.initStarted = true
		a.initErr = nil
		a.phase = domain.PhaseInitializing
	}
	a.mu.Unlock()

	if start {
		a.record(domain.PhaseInitializing, "")
		go a.runInitialize(client)
	}

	return a.awaitState(ctx, initPollBudget, true)
}

// runInitialize drives client.Initialize on its own goroutine; the session
// outcome arrives through lifecycle events, errors through initErr.
func (a *Adapter) runInitialize(c domain.MessagingClient) {
	if err := c.Initialize(context.Background()); err != nil {
		a.logger.Error("client initialization failed", "err", err)
		a.mu.Lock()
		a.initErr = err
		if isCorruption(err) {
			a.phase = domain.PhaseFaulted
		}
		a.mu.Unlock()
		if isCorruption(err) {
			a.record(domain.PhaseFaulted, err.Error())
		}
	}
}

// awaitState polls shared state at the fixed interval. Cancellation mid-poll
// is deliberately not supported: a caller that stops waiting leaves the
// adapter to finish on its own and update state for the next status query.
func (a *Adapter) awaitState(ctx context.Context, budget int, allowRecreate bool) (domain.ConnectionStatus, error) {
	for i := 0; i < budget; i++ {
		a.mu.Lock()
		phase := a.phase
		err := a.initErr
		st := a.statusLocked()
		a.mu.Unlock()

		switch phase {
		case domain.PhaseQRPending, domain.PhaseAuthenticated, domain.PhaseReady:
			return st, nil
		}

		if err != nil {
			if isCorruption(err) {
				if !allowRecreate {
					return st, fmt.Errorf("%w: recreation failed: %v", domain.ErrSessionCorrupted, err)
				}
				a.recreateClient(err)
				return a.awaitState(ctx, recreatePollBudget, false)
			}
			return st, fmt.Errorf("initialize: %w", err)
		}

		time.Sleep(pollInterval)
	}

	// Budget exhausted: partial result, caller keeps polling Status.
	return a.Status(), nil
}

// recreateClient runs the bounded destroy-recreate-reinitialize sequence on
// the same persisted session identity.
func (a *Adapter) recreateClient(cause error) {
	a.logger.Warn("session corrupted, recreating client", "cause", cause)

	a.mu.Lock()
	old := a.client
	a.mu.Unlock()

	if err := old.Destroy(context.Background()); err != nil {
		a.logger.Warn("destroy of corrupted client failed", "err", err)
	}

	fresh := a.factory()
	a.bind(fresh)

	a.mu.Lock()
	a.client = fresh
	a.initErr = nil
	a.initStarted = true
	a.phase = domain.PhaseInitializing
	a.mu.Unlock()
	a.record(domain.PhaseInitializing, "recreated after corruption")

	go a.runInitialize(fresh)
}

// Logout explicitly tears the session down. The next connect starts fresh and
// will require a new QR scan.
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	old := a.client
	a.mu.Unlock()

	err := old.Destroy(ctx)

	fresh := a.factory()
	a.bind(fresh)

	a.mu.Lock()
	a.client = fresh
	a.initStarted = false
	a.initErr = nil
	a.phase = domain.PhaseDisconnected
	a.qr = ""
	a.mu.Unlock()
	a.record(domain.PhaseDisconnected, domain.DisconnectReasonLogout)

	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// isCorruption recognizes errors that mean the underlying session/page is
// gone and the client must be rebuilt.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "destroyed") ||
		strings.Contains(msg, "session") ||
		strings.Contains(msg, "target closed")
}

// guard is the common precondition for message operations. It never panics:
// any doubt about client state reads as "not connected".
func (a *Adapter) guard(op string) (domain.MessagingClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.phase {
	case domain.PhaseReady:
	case domain.PhaseAuthenticated:
		// Permitted for compatibility, but the contact list may not be
		// populated yet in this window.
		a.logger.Warn("operation in authenticated-but-not-ready window", "op", op)
	default:
		return nil, domain.ErrNotConnected
	}
	return a.client, nil
}
