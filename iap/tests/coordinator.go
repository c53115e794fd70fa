package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-bridge/event"
	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
)

// Simulator drives the vendor side of a sandbox coordinator.
type Simulator interface {
	PutProduct(p *model.Product)

	// CompletePurchase reports the outstanding purchase of productID as
	// purchased.
	CompletePurchase(productID string) error

	// FailPurchase reports the outstanding purchase of productID as failed,
	// delivering the callback 1+redeliveries times.
	FailPurchase(productID string, redeliveries int) error

	// AddPending adds a transaction that is still awaiting payment.
	AddPending(productID string)

	// AddOwned adds a completed purchase that a restore re-delivers.
	AddOwned(productID string)

	HoldRestores()
	ReleaseRestores()

	// VendorCalls counts every call made into the vendor API.
	VendorCalls() int

	// Unfinished counts completed transactions the vendor still holds
	// unacknowledged or unfinished.
	Unfinished() int
}

type Harness struct {
	Coordinator iap.Coordinator
	Bus         *iap.Bus
	Sim         Simulator
}

func RunCoordinatorTests(t *testing.T, newHarness func(t *testing.T) *Harness, teardown func()) {
	for _, tf := range []func(t *testing.T, h *Harness){
		testRequiresConnection,
		testOpenConnectionTwice,
		testCloseConnection,
		testProductsReplaced,
		testUnknownProductsOmitted,
		testPurchaseFlow,
		testPurchaseFailure,
		testFinishTransaction,
		testFinishAllCompleted,
		testRestorePurchases,
		testRestoreSingleFlight,
		testRestoreAbandonedWait,
	} {
		tf(t, newHarness(t))
		teardown()
	}
}

func testRequiresConnection(t *testing.T, h *Harness) {
	ctx := context.Background()

	_, err := h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.ErrorIs(t, err, iap.ErrServiceNotReady)

	err = h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a"})
	require.ErrorIs(t, err, iap.ErrServiceNotReady)

	err = h.Coordinator.FinishTransaction(ctx, model.TransactionRef{ProductID: "sku_a"})
	require.ErrorIs(t, err, iap.ErrServiceNotReady)

	_, err = h.Coordinator.RestorePurchases(ctx, "")
	require.ErrorIs(t, err, iap.ErrServiceNotReady)

	require.Zero(t, h.Sim.VendorCalls())
}

func testOpenConnectionTwice(t *testing.T, h *Harness) {
	ctx := context.Background()
	events := Record(h.Bus)

	available, err := h.Coordinator.OpenConnection(ctx)
	require.NoError(t, err)
	require.True(t, available)

	available, err = h.Coordinator.OpenConnection(ctx)
	require.NoError(t, err)
	require.True(t, available)

	connections := events.Of(iap.EventConnectionUpdated)
	require.Len(t, connections, 1)
	require.True(t, connections[0].Connected)
}

func testCloseConnection(t *testing.T, h *Harness) {
	ctx := context.Background()
	events := Record(h.Bus)

	open(t, h)
	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))
	_, err := h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.NoError(t, err)

	require.NoError(t, h.Coordinator.CloseConnection(ctx))
	require.NoError(t, h.Coordinator.CloseConnection(ctx))

	connections := events.Of(iap.EventConnectionUpdated)
	require.Len(t, connections, 2)
	require.False(t, connections[1].Connected)

	cached, err := h.Coordinator.GetCachedProducts(ctx)
	require.NoError(t, err)
	require.Empty(t, cached)

	err = h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a"})
	require.ErrorIs(t, err, iap.ErrServiceNotReady)

	// Reopening works after a close.
	open(t, h)
}

func testProductsReplaced(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	first := newProduct("sku_a", "First", "0.99")
	first.Description = "first description"
	first.IntroductoryOffer = &model.Discount{
		Price:  model.Price{Amount: decimal.RequireFromString("0.49"), Currency: "USD"},
		Period: model.Period{Unit: model.PeriodUnitWeek, Count: 1},
		Cycles: 1,
	}
	h.Sim.PutProduct(first)
	h.Sim.PutProduct(newProduct("sku_b", "B", "1.99"))

	products, err := h.Coordinator.GetProducts(ctx, []string{"sku_a", "sku_b"})
	require.NoError(t, err)
	require.Len(t, products, 2)

	h.Sim.PutProduct(newProduct("sku_a", "Second", "2.49"))

	// The result is the full cache, not only the fetched products.
	products, err = h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.NoError(t, err)
	require.Len(t, products, 2)

	cached, err := h.Coordinator.GetCachedProducts(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 2)

	var a *model.Product
	for _, p := range cached {
		if p.ID == "sku_a" {
			a = p
		}
	}
	require.NotNil(t, a)
	require.Equal(t, "Second", a.Title)
	require.Empty(t, a.Description)
	require.Nil(t, a.IntroductoryOffer)
	require.True(t, decimal.RequireFromString("2.49").Equal(a.Price.Amount))
}

func testUnknownProductsOmitted(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))

	products, err := h.Coordinator.GetProducts(ctx, []string{"sku_a", "sku_missing"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "sku_a", products[0].ID)
}

func testPurchaseFlow(t *testing.T, h *Harness) {
	ctx := context.Background()
	events := Record(h.Bus)
	open(t, h)

	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))

	calls := h.Sim.VendorCalls()
	err := h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a"})
	require.ErrorIs(t, err, iap.ErrProductNotFound)
	require.Equal(t, "sku_a", iap.AsError(err).ProductID)
	require.Equal(t, calls, h.Sim.VendorCalls())

	_, err = h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.NoError(t, err)

	require.NoError(t, h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a", UserIdentifier: "user"}))
	require.NoError(t, h.Sim.CompletePurchase("sku_a"))

	updated := events.Wait(t, iap.EventPurchaseUpdated, 1)
	tx := updated[0].Transaction
	require.Equal(t, "sku_a", tx.ProductID)
	require.Equal(t, model.TransactionStatePurchased, tx.State)
	require.NotEmpty(t, tx.TransactionID)
	require.NotEmpty(t, tx.Receipt)
	require.Equal(t, "user", tx.UserIdentifier)
}

func testPurchaseFailure(t *testing.T, h *Harness) {
	ctx := context.Background()
	events := Record(h.Bus)
	open(t, h)

	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))
	_, err := h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.NoError(t, err)

	require.NoError(t, h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a"}))
	require.NoError(t, h.Sim.FailPurchase("sku_a", 0))

	failures := events.Wait(t, iap.EventPurchaseError, 1)
	require.ErrorIs(t, failures[0].Error, iap.ErrUserCancelled)
	require.NotNil(t, failures[0].Error.VendorCode)

	require.Never(t, func() bool { return len(events.Of(iap.EventPurchaseError)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Empty(t, events.Of(iap.EventPurchaseUpdated))
}

func testFinishTransaction(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	h.Sim.AddPending("sku_pending")
	err := h.Coordinator.FinishTransaction(ctx, model.TransactionRef{ProductID: "sku_pending"})
	require.ErrorIs(t, err, iap.ErrFinishNotAllowed)

	require.NoError(t, h.Coordinator.FinishTransaction(ctx, model.TransactionRef{ProductID: "sku_absent"}))
	require.NoError(t, h.Coordinator.FinishTransaction(ctx, model.TransactionRef{TransactionID: "absent"}))

	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))
	_, err = h.Coordinator.GetProducts(ctx, []string{"sku_a"})
	require.NoError(t, err)
	require.NoError(t, h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: "sku_a"}))
	require.NoError(t, h.Sim.CompletePurchase("sku_a"))
	require.Equal(t, 1, h.Sim.Unfinished())

	require.NoError(t, h.Coordinator.FinishTransaction(ctx, model.TransactionRef{ProductID: "sku_a"}))
	require.Zero(t, h.Sim.Unfinished())

	// Finishing again is a no-op.
	require.NoError(t, h.Coordinator.FinishTransaction(ctx, model.TransactionRef{ProductID: "sku_a"}))
}

func testFinishAllCompleted(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	require.NoError(t, h.Coordinator.FinishAllCompleted(ctx))

	h.Sim.PutProduct(newProduct("sku_a", "A", "0.99"))
	h.Sim.PutProduct(newProduct("sku_b", "B", "0.99"))
	_, err := h.Coordinator.GetProducts(ctx, []string{"sku_a", "sku_b"})
	require.NoError(t, err)

	for _, id := range []string{"sku_a", "sku_b"} {
		require.NoError(t, h.Coordinator.Purchase(ctx, &iap.PurchaseRequest{ProductID: id}))
		require.NoError(t, h.Sim.CompletePurchase(id))
	}
	h.Sim.AddPending("sku_pending")
	require.Equal(t, 2, h.Sim.Unfinished())

	require.NoError(t, h.Coordinator.FinishAllCompleted(ctx))
	require.Zero(t, h.Sim.Unfinished())

	pending, err := h.Coordinator.GetPendingTransactions(ctx)
	require.NoError(t, err)

	var stillPending int
	for _, tx := range pending {
		if tx.State == model.TransactionStatePending {
			stillPending++
		}
	}
	require.Equal(t, 1, stillPending)
}

func testRestorePurchases(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	h.Sim.AddOwned("sku_a")
	h.Sim.AddOwned("sku_b")

	restored, err := h.Coordinator.RestorePurchases(ctx, "")
	require.NoError(t, err)
	require.Len(t, restored, 2)
	for _, tx := range restored {
		require.Equal(t, model.TransactionStateRestored, tx.State)
	}
	require.Zero(t, h.Sim.Unfinished())

	// The session is cleared by the completion.
	_, err = h.Coordinator.RestorePurchases(ctx, "")
	require.NoError(t, err)
}

func testRestoreSingleFlight(t *testing.T, h *Harness) {
	ctx := context.Background()
	open(t, h)

	h.Sim.AddOwned("sku_a")
	h.Sim.HoldRestores()

	type result struct {
		txs []*model.Transaction
		err error
	}
	before := h.Sim.VendorCalls()
	first := make(chan result, 1)
	go func() {
		txs, err := h.Coordinator.RestorePurchases(ctx, "")
		first <- result{txs, err}
	}()

	// Wait for the first restore to reach the vendor and settle there.
	var calls int
	require.Eventually(t, func() bool {
		calls = h.Sim.VendorCalls()
		time.Sleep(10 * time.Millisecond)
		return calls > before && calls == h.Sim.VendorCalls()
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := h.Coordinator.RestorePurchases(ctx, "")
		require.ErrorIs(t, err, iap.ErrRequestAlreadyInProgress)
	}
	require.Equal(t, calls, h.Sim.VendorCalls())

	h.Sim.ReleaseRestores()

	select {
	case res := <-first:
		require.NoError(t, res.err)
		require.Len(t, res.txs, 1)
	case <-time.After(time.Second):
		t.Fatal("restore did not complete")
	}
}

func testRestoreAbandonedWait(t *testing.T, h *Harness) {
	open(t, h)

	h.Sim.HoldRestores()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Coordinator.RestorePurchases(ctx, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The vendor restore is still running.
	_, err = h.Coordinator.RestorePurchases(context.Background(), "")
	require.ErrorIs(t, err, iap.ErrRequestAlreadyInProgress)

	h.Sim.ReleaseRestores()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := h.Coordinator.RestorePurchases(ctx, "")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func open(t *testing.T, h *Harness) {
	available, err := h.Coordinator.OpenConnection(context.Background())
	require.NoError(t, err)
	require.True(t, available)
}

func newProduct(id, title, price string) *model.Product {
	return &model.Product{
		ID:    id,
		Title: title,
		Type:  model.ProductTypeOneTime,
		Price: model.Price{Amount: decimal.RequireFromString(price), Currency: "USD"},
	}
}

// Recorder collects every event published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []*iap.Event
}

func Record(bus *iap.Bus) *Recorder {
	r := &Recorder{}
	bus.AddHandler(event.HandlerFunc[string, *iap.Event](func(_ string, e *iap.Event) {
		r.mu.Lock()
		r.events = append(r.events, e.Clone())
		r.mu.Unlock()
	}))
	return r
}

func (r *Recorder) All() []*iap.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*iap.Event(nil), r.events...)
}

func (r *Recorder) Of(kind iap.EventKind) []*iap.Event {
	var matching []*iap.Event
	for _, e := range r.All() {
		if e.Kind == kind {
			matching = append(matching, e)
		}
	}
	return matching
}

// Wait blocks until at least n events of kind were recorded.
func (r *Recorder) Wait(t *testing.T, kind iap.EventKind, n int) []*iap.Event {
	require.Eventually(t, func() bool { return len(r.Of(kind)) >= n }, time.Second, time.Millisecond)
	return r.Of(kind)
}
