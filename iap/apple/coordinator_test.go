package apple_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/iap/apple"
	"github.com/code-payments/iap-bridge/iap/memory"
	"github.com/code-payments/iap-bridge/iap/tests"
	"github.com/code-payments/iap-bridge/model"
)

type env struct {
	coordinator *apple.Coordinator
	store       *memory.StoreKit
	events      *tests.Recorder
}

func setup(t *testing.T) *env {
	log := zap.Must(zap.NewDevelopment())
	bus := iap.NewBus()
	store := memory.NewStoreKit()

	return &env{
		coordinator: apple.NewCoordinator(log, store.Kit(), bus, iap.NewMetrics(nil), time.Minute),
		store:       store,
		events:      tests.Record(bus),
	}
}

func (e *env) open(t *testing.T) {
	available, err := e.coordinator.OpenConnection(context.Background())
	require.NoError(t, err)
	require.True(t, available)
}

func (e *env) fetch(t *testing.T, products ...*model.Product) {
	var ids []string
	for _, p := range products {
		e.store.PutProduct(p)
		ids = append(ids, p.ID)
	}

	_, err := e.coordinator.GetProducts(context.Background(), ids)
	require.NoError(t, err)
}

func newProduct(id string) *model.Product {
	return &model.Product{
		ID:    id,
		Title: id,
		Price: model.Price{Amount: decimal.RequireFromString("4.99"), Currency: "EUR"},
	}
}

func TestSKErrorCodes(t *testing.T) {
	for code := 0; code <= 20; code++ {
		require.True(t, apple.SKErrorCodes.Mapped(code), "code %d", code)
		require.Equal(t, code, *apple.SKErrorCodes.Lookup(code).VendorCode)
	}

	require.ErrorIs(t, apple.SKErrorCodes.Lookup(0), iap.ErrUnknown)
	require.ErrorIs(t, apple.SKErrorCodes.Lookup(2), iap.ErrUserCancelled)
	require.ErrorIs(t, apple.SKErrorCodes.Lookup(7), iap.ErrServiceUnavailable)
	require.Equal(t, iap.Code("E_INELIGIBLE_FOR_OFFER"), apple.SKErrorCodes.Lookup(18).Code)

	for _, code := range []int{-1, 21, 1000} {
		require.Equal(t, iap.CodeUnknown, apple.SKErrorCodes.Lookup(code).Code)
	}
}

func TestOpenConnection(t *testing.T) {
	t.Run("observer failure", func(t *testing.T) {
		e := setup(t)
		e.store.SetObserveError(errors.New("queue unavailable"))

		_, err := e.coordinator.OpenConnection(context.Background())
		require.ErrorIs(t, err, iap.ErrServiceUnavailable)
		require.Empty(t, e.events.All())
	})

	t.Run("payments disabled", func(t *testing.T) {
		e := setup(t)
		e.store.SetCanMakePayments(false)

		available, err := e.coordinator.OpenConnection(context.Background())
		require.NoError(t, err)
		require.False(t, available)

		connections := e.events.Of(iap.EventConnectionUpdated)
		require.Len(t, connections, 1)
		require.True(t, connections[0].Connected)
	})
}

func TestFailedPurchaseFinishedOnce(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.fetch(t, newProduct("com.example.coins"))

	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.coins"}))
	payments := e.store.Payments()
	require.Len(t, payments, 1)

	pending, err := e.coordinator.GetPendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.TransactionStatePending, pending[0].State)

	require.NoError(t, e.store.FailPurchase("com.example.coins", 3))

	failures := e.events.Wait(t, iap.EventPurchaseError, 1)
	require.ErrorIs(t, failures[0].Error, iap.ErrUserCancelled)
	require.Equal(t, "com.example.coins", failures[0].Error.ProductID)
	require.Equal(t, "payment cancelled", failures[0].Error.DebugMessage)

	require.Never(t, func() bool { return len(e.events.Of(iap.EventPurchaseError)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, e.store.TotalFinishes())
	require.Zero(t, e.store.Unfinished())
}

func TestPromotedProduct(t *testing.T) {
	e := setup(t)
	e.open(t)

	promoted := newProduct("com.example.promo")
	promoted.Type = model.ProductTypeSubscription
	promoted.SubscriptionPeriod = &model.Period{Unit: model.PeriodUnitYear, Count: 1}
	e.store.PutProduct(promoted)

	added, err := e.store.PromotePurchase("com.example.promo")
	require.NoError(t, err)
	require.False(t, added)
	require.Empty(t, e.store.Payments())

	events := e.events.Of(iap.EventPromotedProduct)
	require.Len(t, events, 1)
	require.Equal(t, "com.example.promo", events[0].Product.ID)
	require.Equal(t, model.ProductTypeSubscription, events[0].Product.Type)

	staged, err := e.coordinator.GetPromotedProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, staged, 1)

	// Promoted products can be bought without a products request.
	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.promo"}))
	require.NoError(t, e.store.CompletePurchase("com.example.promo"))
	e.events.Wait(t, iap.EventPurchaseUpdated, 1)

	staged, err = e.coordinator.GetPromotedProducts(context.Background())
	require.NoError(t, err)
	require.Empty(t, staged)
}

func TestPurchaseOffer(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.fetch(t, newProduct("com.example.sub"))

	nonce := uuid.New()
	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{
		ProductID:      "com.example.sub",
		Quantity:       3,
		UserIdentifier: "user-hash",
		Offer: &model.Offer{
			KeyIdentifier: "KEY123",
			Identifier:    "winback",
			Signature:     "c2lnbmF0dXJl",
			Timestamp:     1700000000000,
			Nonce:         nonce.String(),
		},
	}))

	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{
		ProductID: "com.example.sub",
		Offer:     &model.Offer{Identifier: "winback", Nonce: "not-a-uuid"},
	}))

	payments := e.store.Payments()
	require.Len(t, payments, 2)

	require.Equal(t, 3, payments[0].Quantity)
	require.Equal(t, "user-hash", payments[0].ApplicationUsername)
	require.NotNil(t, payments[0].Discount)
	require.Equal(t, "winback", payments[0].Discount.Identifier)
	require.Equal(t, "KEY123", payments[0].Discount.KeyIdentifier)
	require.Equal(t, nonce, payments[0].Discount.Nonce)
	require.EqualValues(t, 1700000000000, payments[0].Discount.Timestamp)

	require.Equal(t, 1, payments[1].Quantity)
	require.Nil(t, payments[1].Discount)
}

func TestFinishWithPurchasingMatch(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.fetch(t, newProduct("com.example.coins"))

	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.coins"}))
	require.NoError(t, e.store.CompletePurchase("com.example.coins"))
	e.events.Wait(t, iap.EventPurchaseUpdated, 1)
	e.store.AddPending("com.example.coins")

	err := e.coordinator.FinishTransaction(context.Background(), model.TransactionRef{ProductID: "com.example.coins"})
	require.ErrorIs(t, err, iap.ErrFinishNotAllowed)
	require.Zero(t, e.store.TotalFinishes())

	tx := e.events.Of(iap.EventPurchaseUpdated)[0].Transaction
	require.NoError(t, e.coordinator.FinishTransaction(context.Background(), model.TransactionRef{TransactionID: tx.TransactionID}))
	require.Equal(t, 1, e.store.TotalFinishes())
}

func TestRestoreFailure(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.store.AddOwned("com.example.pro")
	e.store.SetRestoreError(&apple.SKError{Code: 7, Description: "offline"})

	_, err := e.coordinator.RestorePurchases(context.Background(), "")
	require.ErrorIs(t, err, iap.ErrServiceUnavailable)
	require.Equal(t, iap.Code("E_NETWORK_CONNECTION"), iap.AsError(err).Code)
	require.Equal(t, "offline", iap.AsError(err).DebugMessage)

	require.Equal(t, 1, e.store.TotalFinishes())
	require.Zero(t, e.store.Unfinished())

	// The restore is over, so another one can start.
	e.store.SetRestoreError(nil)
	restored, err := e.coordinator.RestorePurchases(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, model.TransactionStateRestored, restored[0].State)
	require.NotEmpty(t, restored[0].OriginalTransactionID)
}

func TestRestoreFinishesWithoutReceipt(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.store.AddOwned("com.example.pro")
	e.store.SetReceiptError(errors.New("receipt store locked"))

	restored, err := e.coordinator.RestorePurchases(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, model.TransactionStateRestored, restored[0].State)
	require.Empty(t, restored[0].Receipt)

	require.Equal(t, 1, e.store.TotalFinishes())
	require.Zero(t, e.store.Unfinished())
}

func TestFailedTransactionsForgotten(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.fetch(t, newProduct("com.example.coins"), newProduct("com.example.gems"))

	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.coins"}))
	require.NoError(t, e.store.FailPurchase("com.example.coins", 2))
	require.Equal(t, 1, e.coordinator.FailedHandles())

	require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.gems"}))
	require.NoError(t, e.store.FailPurchase("com.example.gems", 0))
	require.Equal(t, 1, e.coordinator.FailedHandles())

	require.Len(t, e.events.Wait(t, iap.EventPurchaseError, 2), 2)
	require.Equal(t, 2, e.store.TotalFinishes())
}

func TestReceipt(t *testing.T) {
	t.Run("requested", func(t *testing.T) {
		e := setup(t)
		e.open(t)
		e.store.SetReceipt([]byte("app-receipt"), true, true)

		appReceipt, err := e.coordinator.RequestReceipt(context.Background())
		require.NoError(t, err)
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("app-receipt")), appReceipt)
		require.Zero(t, e.store.Refreshes())
	})

	t.Run("refreshed", func(t *testing.T) {
		e := setup(t)
		e.open(t)
		e.store.SetReceipt([]byte("app-receipt"), false, true)

		_, err := e.coordinator.RequestReceipt(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, e.store.Refreshes())
	})

	t.Run("unavailable after purchase", func(t *testing.T) {
		e := setup(t)
		e.open(t)
		e.fetch(t, newProduct("com.example.coins"))
		e.store.SetReceipt(nil, false, false)

		require.NoError(t, e.coordinator.Purchase(context.Background(), &iap.PurchaseRequest{ProductID: "com.example.coins"}))
		require.NoError(t, e.store.CompletePurchase("com.example.coins"))

		failures := e.events.Wait(t, iap.EventPurchaseError, 1)
		require.Equal(t, iap.CodeReceipt, failures[0].Error.Code)
		require.Equal(t, "com.example.coins", failures[0].Error.ProductID)
		require.Empty(t, e.events.Of(iap.EventPurchaseUpdated))
	})
}

func TestProductsRequestFailure(t *testing.T) {
	e := setup(t)
	e.open(t)
	e.fetch(t, newProduct("com.example.coins"))
	e.store.SetProductsError(&apple.SKError{Code: 0, Description: "storefront unavailable"})

	_, err := e.coordinator.GetProducts(context.Background(), []string{"com.example.coins"})
	require.ErrorIs(t, err, iap.ErrUnknown)

	cached, err := e.coordinator.GetCachedProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, 1)
}

func TestGetProducts_MapsIntroductoryTrial(t *testing.T) {
	e := setup(t)
	e.open(t)

	sub := newProduct("com.example.monthly")
	sub.Type = model.ProductTypeSubscription
	sub.SubscriptionPeriod = &model.Period{Unit: model.PeriodUnitMonth, Count: 1}
	sub.SubscriptionGroupID = "group"
	sub.IntroductoryOffer = &model.Discount{
		Price:  model.Price{Amount: decimal.Zero, Currency: "EUR"},
		Period: model.Period{Unit: model.PeriodUnitWeek, Count: 1},
		Cycles: 1,
	}
	e.store.PutProduct(sub)

	products, err := e.coordinator.GetProducts(context.Background(), []string{"com.example.monthly"})
	require.NoError(t, err)
	require.Len(t, products, 1)

	p := products[0]
	require.Equal(t, model.ProductTypeSubscription, p.Type)
	require.Equal(t, "P1M", p.SubscriptionPeriod.String())
	require.Equal(t, "group", p.SubscriptionGroupID)
	require.NotNil(t, p.IntroductoryOffer)
	require.Equal(t, "P1W", p.IntroductoryOffer.Period.String())
	require.Equal(t, "payAsYouGo", p.IntroductoryOffer.PaymentMode)
}
