package iap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/model"
)

// Session holds the state every platform coordinator shares: the connection
// state, the active restore and the outbound event channel.
type Session struct {
	log      *zap.Logger
	platform model.Platform
	bus      *Bus
	metrics  *Metrics

	mu        sync.Mutex
	connected bool
	restore   *RestoreSession
}

func NewSession(log *zap.Logger, platform model.Platform, bus *Bus, metrics *Metrics) *Session {
	return &Session{
		log:      log,
		platform: platform,
		bus:      bus,
		metrics:  metrics,
	}
}

func (s *Session) Platform() model.Platform {
	return s.platform
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// RequireConnected fails fast with ErrServiceNotReady while disconnected.
func (s *Session) RequireConnected() error {
	if !s.Connected() {
		return ErrServiceNotReady
	}
	return nil
}

// SetConnected records the connection state and emits connection-updated
// when it changed. It reports whether it changed.
func (s *Session) SetConnected(connected bool) bool {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.Publish(connectionEvent(s.platform, connected))
	}
	return changed
}

// ReportUnavailable emits connection-updated{connected:false} for a session
// that failed to start, regardless of the previous state.
func (s *Session) ReportUnavailable() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.Publish(connectionEvent(s.platform, false))
}

// Publish delivers an event on the outbound channel.
func (s *Session) Publish(e *Event) {
	s.metrics.ObserveEvent(s.platform, e.Kind)

	if ce := s.log.Check(zap.DebugLevel, "Publishing event"); ce != nil {
		ce.Write(zap.String("event", e.Kind.Name()), zap.String("key", e.Key()))
	}

	if err := s.bus.OnEvent(e.Key(), e); err != nil {
		s.log.Warn("Failed to publish event", zap.String("event", e.Kind.Name()), zap.Error(err))
	}
}

// Observe records the outcome of an operation.
func (s *Session) Observe(operation string, err error) {
	s.metrics.ObserveOperation(s.platform, operation, err)
	if err != nil {
		s.log.Debug("Operation failed", zap.String("operation", operation), zap.Error(err))
	}
}

// RestoreSession is the single in-flight restore.
type RestoreSession struct {
	RequestedAt    time.Time
	UserIdentifier string

	done chan CallResult[[]*model.Transaction]
}

// Wait blocks until the restore completes. A cancelled ctx abandons the wait
// but leaves the session active until the vendor reports completion.
func (r *RestoreSession) Wait(ctx context.Context) ([]*model.Transaction, error) {
	select {
	case res := <-r.done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginRestore creates the restore session, failing with
// ErrRequestAlreadyInProgress if one is active. It must be called before any
// vendor restore call is issued.
func (s *Session) BeginRestore(userIdentifier string) (*RestoreSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restore != nil {
		return nil, ErrRequestAlreadyInProgress
	}

	s.restore = &RestoreSession{
		RequestedAt:    time.Now(),
		UserIdentifier: userIdentifier,
		done:           make(chan CallResult[[]*model.Transaction], 1),
	}
	return s.restore, nil
}

// CompleteRestore resolves and clears the active restore. It returns false
// when no restore is active.
func (s *Session) CompleteRestore(txs []*model.Transaction, err error) bool {
	return s.completeRestore(nil, txs, err)
}

// ResolveRestore is CompleteRestore for a specific restore: it does nothing
// if r is no longer the active one.
func (s *Session) ResolveRestore(r *RestoreSession, txs []*model.Transaction, err error) bool {
	return s.completeRestore(r, txs, err)
}

func (s *Session) completeRestore(r *RestoreSession, txs []*model.Transaction, err error) bool {
	s.mu.Lock()
	active := s.restore
	if active == nil || (r != nil && active != r) {
		s.mu.Unlock()
		return false
	}
	s.restore = nil
	s.mu.Unlock()

	active.done <- CallResult[[]*model.Transaction]{Value: txs, Err: err}
	return true
}

// ActiveRestore returns the in-flight restore, if any.
func (s *Session) ActiveRestore() *RestoreSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.restore
}
