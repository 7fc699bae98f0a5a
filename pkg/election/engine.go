// Package election builds single-leader election on top of a
// coordination.Client.
//
// Every candidate registers an ephemeral sequential node under the election
// path. The lowest sequence leads; every other candidate watches only the
// node directly ahead of it, so a departure wakes exactly one peer. The
// engine's loop goroutine is the only consumer of session transitions and
// the only writer of the leadership flag other than Stop, which may clear
// it from any goroutine.
//
// The flag is cleared as soon as the session is suspended: connectivity is
// uncertain, so leadership is treated as void until the session is known to
// be intact again. A lost session invalidates the registration; with
// AutoRequeue the engine registers again, behind every existing candidate.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dbreader/pkg/coordination"
	"dbreader/pkg/metrics"
)

var (
	ErrAlreadyJoined = errors.New("election: already joined")
	ErrStopped       = errors.New("election: engine stopped")
	ErrNoLeader      = errors.New("election: no candidates registered")
)

// Listener is invoked when the engine wins the election. ctx is cancelled
// the moment leadership is lost or the engine stops. Returning before that
// relinquishes leadership voluntarily.
type Listener interface {
	TakeLeadership(ctx context.Context)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context)

func (f ListenerFunc) TakeLeadership(ctx context.Context) { f(ctx) }

type Config struct {
	// Path is the election directory, e.g. /dbreader/leader.
	Path string
	// InstanceID is stored as the registration's data.
	InstanceID string
	// AutoRequeue re-registers after a lost session or a voluntary release.
	AutoRequeue bool
	// RetryDelay is the pause before retrying a failed coordination call.
	RetryDelay time.Duration
	// OpTimeout bounds each coordination call.
	OpTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
}

type Option func(*Engine)

// WithTransitionHook registers fn to be called synchronously on every state
// change. A transition out of Leading is reported after the flag is cleared
// and before the registration is removed.
func WithTransitionHook(fn func(Transition)) Option {
	return func(e *Engine) { e.hook = fn }
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeLost
	outcomeReleased
	outcomeSuspended
)

type Engine struct {
	client   coordination.Client
	cfg      Config
	listener Listener
	logger   *zap.Logger
	hook     func(Transition)

	leader atomic.Bool
	state  atomic.Int32

	mu      sync.Mutex
	token   *coordination.Node
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the loop goroutine.
	sessionOK bool
	lost      bool
}

func NewEngine(client coordination.Client, cfg Config, listener Listener, logger *zap.Logger, opts ...Option) *Engine {
	cfg.setDefaults()
	if listener == nil {
		listener = ListenerFunc(func(ctx context.Context) { <-ctx.Done() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		client:   client,
		cfg:      cfg,
		listener: listener,
		logger:   logger.With(zap.String("instance", cfg.InstanceID)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsLeader reports whether this instance currently holds leadership.
func (e *Engine) IsLeader() bool {
	return e.leader.Load()
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

// Token returns the current registration, if any.
func (e *Engine) Token() (coordination.Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token == nil {
		return coordination.Node{}, false
	}
	return *e.token, true
}

// Candidates lists the election pool in rank order.
func (e *Engine) Candidates(ctx context.Context) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	nodes, err := e.client.Children(ctx, e.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("election: list candidates: %w", err)
	}
	return toCandidates(nodes), nil
}

// Leader returns the instance id of the first-ranked candidate.
func (e *Engine) Leader(ctx context.Context) (string, error) {
	candidates, err := e.Candidates(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoLeader
	}
	return candidates[0].InstanceID, nil
}

// Join registers candidacy and starts the election loop. The first
// registration happens before Join returns.
func (e *Engine) Join(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.stopped:
		e.mu.Unlock()
		return ErrStopped
	case e.running:
		e.mu.Unlock()
		return ErrAlreadyJoined
	}
	e.running = true
	e.mu.Unlock()

	// Transitions queued before this join describe older sessions.
	e.sessionOK, e.lost = true, false
	e.drainStates()
	e.lost = false

	node, err := e.register(ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		e.finish()
		return ErrStopped
	}
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.run(runCtx, node, done)
	e.logger.Info("joined election",
		zap.String("path", e.cfg.Path),
		zap.Int64("seq", node.Seq))
	return nil
}

// Stop leaves the election: the flag is cleared first, then the loop is
// stopped, the registration removed and the session closed. Safe to call
// from any goroutine; the engine cannot be joined again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.leader.Store(false)
	metrics.SetLeader(false)
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			e.logger.Warn("election loop did not exit before deadline", zap.Error(ctx.Err()))
		}
	}
	e.finish()

	err := e.client.Close()
	e.logger.Info("left leader election")
	return err
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.OpTimeout)
}

func (e *Engine) setState(s State, reason string) {
	old := State(e.state.Swap(int32(s)))
	if old == s {
		return
	}
	metrics.ElectionTransitions.WithLabelValues(old.String(), s.String()).Inc()
	e.logger.Debug("election state changed",
		zap.Stringer("from", old),
		zap.Stringer("to", s),
		zap.String("reason", reason))
	if e.hook != nil {
		e.hook(Transition{From: old, To: s, Reason: reason})
	}
}

func (e *Engine) register(ctx context.Context) (coordination.Node, error) {
	e.setState(Registering, "join")
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	node, err := e.client.CreateEphemeralSequential(opCtx, e.cfg.Path, []byte(e.cfg.InstanceID))
	if err != nil {
		e.setState(NotRegistered, "registration failed")
		return coordination.Node{}, fmt.Errorf("election: register candidacy: %w", err)
	}

	e.mu.Lock()
	e.token = &node
	e.mu.Unlock()
	metrics.Registrations.Inc()
	e.setState(Watching, "registered")
	e.logger.Info("registered candidacy", zap.String("node", node.Path), zap.Int64("seq", node.Seq))
	return node, nil
}

func (e *Engine) takeToken() *coordination.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	tok := e.token
	e.token = nil
	return tok
}

// finish clears leadership and removes the registration, if still held.
func (e *Engine) finish() {
	e.leader.Store(false)
	if tok := e.takeToken(); tok != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
		if err := e.client.Delete(ctx, *tok); err != nil {
			e.logger.Warn("failed to remove registration", zap.String("node", tok.Path), zap.Error(err))
		}
		cancel()
	}
	e.setState(NotRegistered, "left")
}

// discard drops the current registration. The node is normally gone
// already; the delete covers a removal observed ahead of the session event.
func (e *Engine) discard() {
	tok := e.takeToken()
	if tok == nil || !e.sessionOK {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
	defer cancel()
	if err := e.client.Delete(ctx, *tok); err != nil {
		e.logger.Debug("stale registration not removed", zap.String("node", tok.Path), zap.Error(err))
	}
}

// drainStates applies transitions already queued by the client.
func (e *Engine) drainStates() {
	for {
		select {
		case st := <-e.client.States():
			e.observe(st)
		default:
			return
		}
	}
}

// observe applies a session transition to the loop's view of the session.
func (e *Engine) observe(st coordination.SessionState) {
	metrics.SessionState.Set(float64(st))
	metrics.SessionEvents.WithLabelValues(st.String()).Inc()

	switch st {
	case coordination.StateSuspended:
		e.sessionOK = false
		e.logger.Warn("coordination session suspended")
	case coordination.StateLost:
		e.sessionOK = false
		e.lost = true
		e.logger.Warn("coordination session lost, registration invalidated")
	case coordination.StateConnected, coordination.StateReconnected:
		if !e.sessionOK {
			e.logger.Info("coordination session restored", zap.Stringer("state", st))
		}
		e.sessionOK = true
	}
}

func (e *Engine) run(ctx context.Context, node coordination.Node, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()

	registered := true
	for {
		if !registered {
			if !e.awaitSession(ctx) {
				e.finish()
				return
			}
			n, err := e.register(ctx)
			if err != nil {
				if ctx.Err() != nil {
					e.finish()
					return
				}
				e.logger.Warn("re-registration failed", zap.Error(err))
				if !e.pause(ctx) {
					e.finish()
					return
				}
				continue
			}
			node, registered = n, true
		}

		switch e.campaign(ctx, node) {
		case outcomeStopped:
			e.finish()
			return
		case outcomeLost:
			e.drainStates()
			e.lost = false
			e.discard()
			e.setState(NotRegistered, "registration lost")
			if !e.cfg.AutoRequeue {
				e.logger.Warn("registration lost, auto-requeue disabled")
				return
			}
			registered = false
		case outcomeReleased:
			e.finish()
			if !e.cfg.AutoRequeue {
				return
			}
			registered = false
		}
	}
}

// awaitSession blocks until the session is usable. It returns false if ctx
// ends first.
func (e *Engine) awaitSession(ctx context.Context) bool {
	for !e.sessionOK {
		select {
		case st := <-e.client.States():
			e.observe(st)
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// pause waits RetryDelay, returning early on a session transition.
func (e *Engine) pause(ctx context.Context) bool {
	t := time.NewTimer(e.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case st := <-e.client.States():
		e.observe(st)
	case <-ctx.Done():
		return false
	}
	return true
}

// campaign holds one registration until it leads and stops leading, the
// registration is lost, or ctx ends.
func (e *Engine) campaign(ctx context.Context, node coordination.Node) outcome {
	for {
		if ctx.Err() != nil {
			return outcomeStopped
		}
		if e.lost {
			return outcomeLost
		}
		if !e.sessionOK {
			if !e.awaitSession(ctx) {
				return outcomeStopped
			}
			continue
		}

		rank, pred, err := e.evaluateRank(ctx, node)
		if errors.Is(err, errNotRegistered) {
			return outcomeLost
		}
		if err != nil {
			e.logger.Warn("rank evaluation failed", zap.Error(err))
			if !e.pause(ctx) {
				return outcomeStopped
			}
			continue
		}

		if rank == 0 {
			if out := e.lead(ctx, node); out != outcomeSuspended {
				return out
			}
			continue
		}
		e.waitForPredecessor(ctx, rank, pred)
	}
}

func (e *Engine) evaluateRank(ctx context.Context, node coordination.Node) (int, coordination.Node, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	nodes, err := e.client.Children(opCtx, e.cfg.Path)
	if err != nil {
		return -1, coordination.Node{}, err
	}
	return rankOf(nodes, node)
}

// waitForPredecessor returns when the node ahead is removed, the session
// changes state, or ctx ends. The caller re-evaluates rank in every case.
func (e *Engine) waitForPredecessor(ctx context.Context, rank int, pred coordination.Node) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deleted, err := e.client.Watch(wctx, pred)
	if err != nil {
		e.logger.Warn("failed to watch predecessor", zap.String("node", pred.Path), zap.Error(err))
		e.pause(ctx)
		return
	}
	e.logger.Info("waiting for predecessor",
		zap.Int("rank", rank),
		zap.String("predecessor", string(pred.Data)),
		zap.Int64("predecessor_seq", pred.Seq))

	select {
	case <-deleted:
	case st := <-e.client.States():
		e.observe(st)
	case <-ctx.Done():
	}
}

// lead runs one leadership term.
func (e *Engine) lead(ctx context.Context, node coordination.Node) outcome {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Deletion of our own node, e.g. by an operator, also ends the term.
	removed, err := e.client.Watch(leadCtx, node)
	if err != nil {
		e.logger.Warn("failed to watch own registration", zap.Error(err))
		removed = nil
	}

	// The flag is only raised under mu so a concurrent Stop either sees the
	// term or prevents it.
	e.mu.Lock()
	if e.stopped || leadCtx.Err() != nil {
		e.mu.Unlock()
		return outcomeStopped
	}
	e.leader.Store(true)
	metrics.SetLeader(true)
	e.mu.Unlock()
	e.setState(Leading, "first in line")
	e.logger.Info("acquired leadership", zap.Int64("seq", node.Seq))

	released := make(chan struct{})
	go func() {
		defer close(released)
		e.listener.TakeLeadership(leadCtx)
	}()

	out, reason := e.hold(ctx, removed, released)

	e.leader.Store(false)
	metrics.SetLeader(false)
	next := NotRegistered
	if out == outcomeSuspended {
		next = Watching
	}
	e.setState(next, reason)
	cancel()
	<-released

	e.logger.Info("relinquished leadership", zap.String("reason", reason))
	return out
}

func (e *Engine) hold(ctx context.Context, removed <-chan struct{}, released <-chan struct{}) (outcome, string) {
	for {
		select {
		case <-released:
			return outcomeReleased, "leadership released by listener"
		case st := <-e.client.States():
			e.observe(st)
			if e.lost {
				return outcomeLost, "session lost"
			}
			if !e.sessionOK {
				return outcomeSuspended, "session suspended"
			}
		case <-removed:
			return outcomeLost, "registration removed"
		case <-ctx.Done():
			return outcomeStopped, "stopped"
		}
	}
}
