package iap

import (
	"context"

	"github.com/code-payments/iap-bridge/model"
)

// PurchaseRequest is a validated purchase call.
type PurchaseRequest struct {
	ProductID string

	// Quantity defaults to 1 when zero.
	Quantity int

	// UserIdentifier is an opaque per-user value used by the vendor for
	// fraud detection (applicationUsername / obfuscated account id).
	UserIdentifier string

	// ProfileIdentifier is the Android obfuscated profile id.
	ProfileIdentifier string

	// Offer is applied only when valid. Partial offers are ignored.
	Offer *model.Offer
}

// Coordinator owns the vendor connection and the purchase lifecycle for one
// platform. Implementations are safe for concurrent use.
type Coordinator interface {
	Platform() model.Platform

	// OpenConnection starts the vendor session. It reports whether purchases
	// are currently available and is a no-op when already connected.
	OpenConnection(ctx context.Context) (bool, error)

	// CloseConnection releases the vendor session. It is idempotent.
	CloseConnection(ctx context.Context) error

	// GetProducts queries the vendor catalog and returns every cached product.
	GetProducts(ctx context.Context, ids []string) ([]*model.Product, error)

	// GetCachedProducts returns the cached catalog without a vendor call.
	GetCachedProducts(ctx context.Context) ([]*model.Product, error)

	// Purchase submits a purchase and returns without waiting for the
	// outcome, which is delivered as an event.
	Purchase(ctx context.Context, req *PurchaseRequest) error

	// FinishTransaction acknowledges or finishes the referenced transaction.
	// A missing transaction is treated as already finished.
	FinishTransaction(ctx context.Context, ref model.TransactionRef) error

	// FinishAllCompleted finishes every transaction that is not pending.
	FinishAllCompleted(ctx context.Context) error

	// RestorePurchases re-delivers owned purchases. Only one restore may be in
	// flight at a time.
	RestorePurchases(ctx context.Context, userIdentifier string) ([]*model.Transaction, error)

	// GetPendingTransactions returns the transactions the vendor currently
	// holds for the user.
	GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error)

	// GetPromotedProducts returns products whose purchase was initiated from
	// the store and not yet bought.
	GetPromotedProducts(ctx context.Context) ([]*model.Product, error)

	// Shutdown releases the vendor session on abnormal teardown. It never
	// blocks on the vendor.
	Shutdown()
}

// Consumer is implemented by platforms with consumable purchases.
type Consumer interface {
	Consume(ctx context.Context, token string) (string, error)
	ConsumeAllPending(ctx context.Context) ([]string, error)
}

// SubscriptionUpdate replaces an active subscription with another one.
type SubscriptionUpdate struct {
	ProductID         string
	OldPurchaseToken  string
	ProrationMode     int
	UserIdentifier    string
	ProfileIdentifier string
}

// SubscriptionUpdater is implemented by platforms that expose subscription
// replacement flows.
type SubscriptionUpdater interface {
	UpdateSubscription(ctx context.Context, req *SubscriptionUpdate) error
}

// ReceiptRequester is implemented by platforms with an app-wide receipt.
type ReceiptRequester interface {
	RequestReceipt(ctx context.Context) (string, error)
}
