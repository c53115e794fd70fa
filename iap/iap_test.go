package iap

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/event"
	"github.com/code-payments/iap-bridge/model"
)

func TestError_IsMatchesKind(t *testing.T) {
	custom := InvalidArgument("finishTransaction: only one of %q or %q", "sku", "transactionIdentifier")
	require.ErrorIs(t, custom, ErrInvalidArgument)
	require.NotErrorIs(t, custom, ErrProductNotFound)

	withDebug := ErrServiceUnavailable.WithDebug("billing service absent").WithProduct("sku_a")
	require.ErrorIs(t, withDebug, ErrServiceUnavailable)
	require.Equal(t, "sku_a", withDebug.ProductID)
	require.Empty(t, ErrServiceUnavailable.DebugMessage)

	wrapped := ErrServiceNotReady.WithCause(errors.New("boom"))
	require.ErrorIs(t, wrapped, ErrServiceNotReady)
	require.Contains(t, wrapped.Error(), "boom")

	vendorA := NewError(KindVendor, "E_DEVELOPER_ERROR", "a")
	vendorB := NewError(KindVendor, "E_ITEM_UNAVAILABLE", "b")
	require.NotErrorIs(t, vendorA, vendorB)
	require.ErrorIs(t, vendorA, NewError(KindVendor, "E_DEVELOPER_ERROR", "other message"))
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))
	require.Same(t, ErrNothingToConsume, AsError(ErrNothingToConsume))

	unknown := AsError(errors.New("plain"))
	require.Equal(t, CodeUnknown, unknown.Code)
	require.ErrorIs(t, unknown, ErrUnknown)
}

func TestErrorTable_FallsBackToUnknown(t *testing.T) {
	table := NewErrorTable(ErrUnknown, map[int]*Error{
		1: ErrUserCancelled,
		7: ErrAlreadyOwned,
	})

	require.ErrorIs(t, table.Lookup(1), ErrUserCancelled)
	require.ErrorIs(t, table.Lookup(7), ErrAlreadyOwned)
	require.Equal(t, 7, *table.Lookup(7).VendorCode)

	for _, code := range []int{-1, 2, 100, math.MaxInt, math.MinInt} {
		e := table.Lookup(code)
		require.Equal(t, CodeUnknown, e.Code)
		require.Equal(t, code, *e.VendorCode)
		require.False(t, table.Mapped(code))
	}

	require.ElementsMatch(t, []int{1, 7}, table.Codes())

	// Lookups return copies.
	table.Lookup(1).Message = "changed"
	require.Equal(t, ErrUserCancelled.Message, table.Lookup(1).Message)
}

func TestCalls_ResolveAndForget(t *testing.T) {
	calls := NewCalls[string]()

	h1, ch1 := calls.Register()
	h2, ch2 := calls.Register()
	require.NotEqual(t, h1, h2)
	require.Equal(t, 2, calls.Len())

	require.True(t, calls.Resolve(h2, "second", nil))
	require.False(t, calls.Resolve(h2, "again", nil))

	v, err := calls.Await(context.Background(), h2, ch2)
	require.NoError(t, err)
	require.Equal(t, "second", v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = calls.Await(ctx, h1, ch1)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, calls.Resolve(h1, "late", nil))
	require.Zero(t, calls.Len())
}

func TestSession_ConnectionEventsOnlyOnChange(t *testing.T) {
	session, events := newTestSession(t)

	require.ErrorIs(t, session.RequireConnected(), ErrServiceNotReady)

	require.True(t, session.SetConnected(true))
	require.False(t, session.SetConnected(true))
	require.NoError(t, session.RequireConnected())
	require.True(t, session.SetConnected(false))

	got := events.all()
	require.Len(t, got, 2)
	require.True(t, got[0].Connected)
	require.False(t, got[1].Connected)

	session.ReportUnavailable()
	require.Len(t, events.all(), 3)
}

func TestSession_SingleRestore(t *testing.T) {
	session, _ := newTestSession(t)

	restore, err := session.BeginRestore("user")
	require.NoError(t, err)
	require.Equal(t, "user", restore.UserIdentifier)
	require.Same(t, restore, session.ActiveRestore())

	_, err = session.BeginRestore("other")
	require.ErrorIs(t, err, ErrRequestAlreadyInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = restore.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, session.ActiveRestore())

	expected := []*model.Transaction{{ProductID: "sku_a", State: model.TransactionStateRestored}}
	require.True(t, session.CompleteRestore(expected, nil))
	require.False(t, session.CompleteRestore(nil, nil))
	require.Nil(t, session.ActiveRestore())

	actual, err := restore.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, expected, actual)

	_, err = session.BeginRestore("")
	require.NoError(t, err)
}

func TestSession_MetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	session := NewSession(zap.NewNop(), model.PlatformGoogle, NewBus(), metrics)

	session.SetConnected(true)
	session.Observe("purchase", nil)
	session.Observe("purchase", ErrProductNotFound)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Events().WithLabelValues("google", "connection-updated")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations().WithLabelValues("google", "purchase", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations().WithLabelValues("google", "purchase", string(CodeProductNotFound))))

	var nilMetrics *Metrics
	nilMetrics.ObserveEvent(model.PlatformApple, EventPurchaseError)
	nilMetrics.ObserveOperation(model.PlatformApple, "purchase", nil)
}

func TestEvent_Key(t *testing.T) {
	require.Equal(t, "GPA.1", PurchaseUpdatedEvent(model.PlatformGoogle, &model.Transaction{ProductID: "a", TransactionID: "GPA.1"}).Key())
	require.Equal(t, "a", PurchaseUpdatedEvent(model.PlatformGoogle, &model.Transaction{ProductID: "a"}).Key())
	require.Equal(t, "b", PurchaseErrorEvent(model.PlatformApple, ErrUserCancelled.WithProduct("b")).Key())
	require.Equal(t, "c", PromotedProductEvent(model.PlatformApple, &model.Product{ID: "c"}).Key())
	require.Equal(t, "", connectionEvent(model.PlatformApple, true).Key())
	require.Equal(t, "purchase-error", EventPurchaseError.Name())
}

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Event(nil), r.events...)
}

func newTestSession(t *testing.T) (*Session, *recorder) {
	bus := NewBus()
	rec := &recorder{}
	bus.AddHandler(event.HandlerFunc[string, *Event](func(_ string, e *Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	}))

	log := zap.Must(zap.NewDevelopment())
	return NewSession(log, model.PlatformApple, bus, NewMetrics(nil)), rec
}

func TestSession_ResolveRestoreIgnoresStaleRestore(t *testing.T) {
	session, _ := newTestSession(t)

	stale, err := session.BeginRestore("")
	require.NoError(t, err)
	require.True(t, session.CompleteRestore(nil, ErrServiceNotReady))

	_, err = stale.Wait(context.Background())
	require.ErrorIs(t, err, ErrServiceNotReady)

	current, err := session.BeginRestore("")
	require.NoError(t, err)
	require.False(t, session.ResolveRestore(stale, nil, nil))
	require.Same(t, current, session.ActiveRestore())
	require.True(t, session.ResolveRestore(current, nil, nil))
}
