package android

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/iap"
)

// connectAttempt is shared by every OpenConnection call that arrives while
// the billing setup callback is outstanding.
type connectAttempt struct {
	done      chan struct{}
	available bool
}

// listener binds billing callbacks to the connection that registered it.
// Callbacks from a listener replaced by a later connection are dropped.
type listener struct {
	c          *Coordinator
	generation uint64
}

func (l *listener) current() bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	return l.c.listener == l
}

func (l *listener) OnBillingSetupFinished(result BillingResult) {
	l.c.log.Debug("Billing setup finished", zap.Uint64("generation", l.generation), zap.Int("response_code", int(result.ResponseCode)), zap.String("debug_message", result.DebugMessage))

	if !l.current() {
		return
	}

	if result.OK() {
		l.c.session.SetConnected(true)
	} else {
		l.c.session.ReportUnavailable()
	}

	l.c.mu.Lock()
	attempt := l.c.attempt
	l.c.attempt = nil
	l.c.mu.Unlock()

	if attempt != nil {
		attempt.available = result.OK()
		close(attempt.done)
	}
}

func (l *listener) OnBillingServiceDisconnected() {
	if !l.current() {
		return
	}

	l.c.log.Info("Billing service disconnected")
	l.c.session.SetConnected(false)
}

func (l *listener) OnPurchasesUpdated(result BillingResult, purchases []*Purchase) {
	if !l.current() {
		return
	}
	l.c.onPurchasesUpdated(result, purchases)
}

// OpenConnection starts the billing session. Setup failures reported by the
// billing client are delivered as a connection-updated event and a false
// result; only a synchronous start failure is returned as an error.
func (c *Coordinator) OpenConnection(ctx context.Context) (available bool, err error) {
	defer func() { c.session.Observe("openConnection", err) }()

	c.mu.Lock()
	if c.session.Connected() {
		c.mu.Unlock()
		return true, nil
	}

	attempt := c.attempt
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		c.attempt = attempt
		c.generation++
		c.listener = &listener{c: c, generation: c.generation}

		l := c.listener
		c.mu.Unlock()

		if err := c.client.StartConnection(l); err != nil {
			c.mu.Lock()
			if c.attempt == attempt {
				c.attempt = nil
				c.listener = nil
			}
			c.mu.Unlock()

			close(attempt.done)
			return false, iap.ErrServiceUnavailable.WithCause(errors.Wrap(err, "failed to start billing connection"))
		}
	} else {
		c.mu.Unlock()
	}

	select {
	case <-attempt.done:
		return attempt.available, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CloseConnection ends the billing session and drops the catalog.
func (c *Coordinator) CloseConnection(_ context.Context) error {
	c.release()
	c.session.Observe("closeConnection", nil)
	return nil
}

// Shutdown releases the billing session on abnormal teardown.
func (c *Coordinator) Shutdown() {
	c.release()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	registered := c.listener != nil
	c.listener = nil
	attempt := c.attempt
	c.attempt = nil
	c.mu.Unlock()

	if attempt != nil {
		close(attempt.done)
	}

	if registered {
		c.client.EndConnection()
	}

	c.cache.Reset()
	c.session.CompleteRestore(nil, iap.ErrServiceNotReady)
	c.session.SetConnected(false)
}
