package apple

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/event"
	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
	"github.com/code-payments/iap-bridge/product"
	"github.com/code-payments/iap-bridge/receipt"
)

var (
	_ iap.Coordinator      = (*Coordinator)(nil)
	_ iap.ReceiptRequester = (*Coordinator)(nil)
)

// Coordinator drives the StoreKit purchase lifecycle.
type Coordinator struct {
	log       *zap.Logger
	store     StoreKit
	session   *iap.Session
	cache     *product.Cache[*Product]
	receipts  *receipt.Fetcher
	products  *iap.Calls[[]*Product]
	sequencer *event.Sequencer

	mu       sync.Mutex
	observer *observer
	promoted []*model.Product
	failed   map[string]struct{}
}

func NewCoordinator(log *zap.Logger, store StoreKit, bus *iap.Bus, metrics *iap.Metrics, receiptTTL time.Duration) *Coordinator {
	log = log.With(zap.String("platform", model.PlatformApple.String()))

	return &Coordinator{
		log:       log,
		store:     store,
		session:   iap.NewSession(log, model.PlatformApple, bus, metrics),
		cache:     product.NewCache[*Product](),
		receipts:  receipt.NewFetcher(log, store.Receipts, receiptTTL),
		products:  iap.NewCalls[[]*Product](),
		sequencer: event.NewSequencer(),
		failed:    make(map[string]struct{}),
	}
}

func (c *Coordinator) Platform() model.Platform {
	return model.PlatformApple
}

// OpenConnection registers the coordinator as the payment queue observer and
// reports whether the device can make payments.
func (c *Coordinator) OpenConnection(_ context.Context) (available bool, err error) {
	defer func() { c.session.Observe("openConnection", err) }()

	c.mu.Lock()
	if c.observer != nil {
		c.mu.Unlock()
		return c.store.Queue.CanMakePayments(), nil
	}

	o := &observer{c: c}
	if err := c.store.Queue.AddObserver(o); err != nil {
		c.mu.Unlock()
		return false, iap.ErrServiceUnavailable.WithCause(errors.Wrap(err, "failed to observe payment queue"))
	}
	c.observer = o
	c.mu.Unlock()

	c.session.SetConnected(true)
	return c.store.Queue.CanMakePayments(), nil
}

func (c *Coordinator) CloseConnection(_ context.Context) error {
	c.release()
	c.session.Observe("closeConnection", nil)
	return nil
}

func (c *Coordinator) Shutdown() {
	c.release()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	o := c.observer
	c.observer = nil
	c.promoted = nil
	c.failed = make(map[string]struct{})
	c.mu.Unlock()

	if o != nil {
		c.store.Queue.RemoveObserver(o)
	}

	c.cache.Reset()
	c.receipts.Invalidate()
	c.session.CompleteRestore(nil, iap.ErrServiceNotReady)
	c.session.SetConnected(false)
}

func (c *Coordinator) GetProducts(ctx context.Context, ids []string) (products []*model.Product, err error) {
	defer func() { c.session.Observe("getProducts", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	handle, ch := c.products.Register()
	c.store.Products.RequestProducts(handle, ids, &productsDelegate{c: c})

	received, err := c.products.Await(ctx, handle, ch)
	if err != nil {
		return nil, err
	}

	entries := make([]product.Entry[*Product], 0, len(received))
	for _, p := range received {
		if p == nil {
			continue
		}

		converted, err := toProduct(p)
		if err != nil {
			c.log.Warn("Dropping malformed product", zap.String("product", p.ProductIdentifier), zap.Error(err))
			continue
		}
		entries = append(entries, product.Entry[*Product]{Product: converted, Handle: p})
	}

	return c.cache.Replace(entries), nil
}

func (c *Coordinator) GetCachedProducts(_ context.Context) ([]*model.Product, error) {
	return c.cache.List(), nil
}

func (c *Coordinator) Purchase(_ context.Context, req *iap.PurchaseRequest) (err error) {
	defer func() { c.session.Observe("purchase", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	if _, _, ok := c.cache.Get(req.ProductID); !ok {
		return iap.ErrProductNotFound.WithProduct(req.ProductID)
	}

	payment := Payment{
		ProductIdentifier:   req.ProductID,
		Quantity:            req.Quantity,
		ApplicationUsername: req.UserIdentifier,
	}
	if payment.Quantity <= 0 {
		payment.Quantity = 1
	}

	if req.Offer.Valid() {
		payment.Discount = &PaymentDiscount{
			Identifier:    req.Offer.Identifier,
			KeyIdentifier: req.Offer.KeyIdentifier,
			Nonce:         req.Offer.NonceUUID(),
			Signature:     req.Offer.Signature,
			Timestamp:     req.Offer.Timestamp,
		}
	} else if req.Offer != nil {
		c.log.Debug("Ignoring incomplete offer", zap.String("product", req.ProductID))
	}

	c.store.Queue.Add(payment)
	return nil
}

// FinishTransaction finishes every queued transaction matching ref. Nothing is
// finished if any match is still purchasing.
func (c *Coordinator) FinishTransaction(_ context.Context, ref model.TransactionRef) (err error) {
	defer func() { c.session.Observe("finishTransaction", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	var matches []*Transaction
	for _, tx := range c.store.Queue.Transactions() {
		if !ref.Matches(toTransaction(tx, "")) {
			continue
		}
		if tx.State == TransactionStatePurchasing {
			return iap.ErrFinishNotAllowed.WithProduct(tx.Payment.ProductIdentifier)
		}
		matches = append(matches, tx)
	}

	for _, tx := range matches {
		c.store.Queue.Finish(tx)
	}
	return nil
}

func (c *Coordinator) FinishAllCompleted(_ context.Context) (err error) {
	defer func() { c.session.Observe("finishAllCompleted", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	for _, tx := range c.store.Queue.Transactions() {
		if tx.State != TransactionStatePurchasing {
			c.store.Queue.Finish(tx)
		}
	}
	return nil
}

// RestorePurchases restores completed transactions. The result is delivered
// by the payment queue restore callbacks.
func (c *Coordinator) RestorePurchases(ctx context.Context, userIdentifier string) (txs []*model.Transaction, err error) {
	defer func() { c.session.Observe("restorePurchases", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	restore, err := c.session.BeginRestore(userIdentifier)
	if err != nil {
		return nil, err
	}

	c.store.Queue.RestoreCompletedTransactions(userIdentifier)
	return restore.Wait(ctx)
}

func (c *Coordinator) GetPendingTransactions(ctx context.Context) (txs []*model.Transaction, err error) {
	defer func() { c.session.Observe("getPendingTransactions", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	appReceipt, err := c.receipts.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	queued := c.store.Queue.Transactions()
	txs = make([]*model.Transaction, 0, len(queued))
	for _, tx := range queued {
		txs = append(txs, toTransaction(tx, appReceipt))
	}
	return txs, nil
}

func (c *Coordinator) GetPromotedProducts(_ context.Context) ([]*model.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	promoted := make([]*model.Product, 0, len(c.promoted))
	for _, p := range c.promoted {
		promoted = append(promoted, p.Clone())
	}
	return promoted, nil
}

// RequestReceipt returns the base64 encoded app receipt.
func (c *Coordinator) RequestReceipt(ctx context.Context) (appReceipt string, err error) {
	defer func() { c.session.Observe("requestReceipt", err) }()

	return c.receipts.Fetch(ctx)
}

func (c *Coordinator) onUpdatedTransactions(txs []*Transaction) {
	// A new batch may carry a new receipt.
	c.receipts.Invalidate()

	for _, tx := range txs {
		switch tx.State {
		case TransactionStatePurchased:
			c.onPurchased(tx)
		case TransactionStateFailed:
			c.onFailed(tx)
		default:
			c.log.Debug("Transaction updated", zap.String("product", tx.Payment.ProductIdentifier), zap.Stringer("state", toState(tx.State)))
		}
	}

	c.pruneFailed(txs)
}

// pruneFailed forgets failed transactions that are neither queued nor part of
// the current batch.
func (c *Coordinator) pruneFailed(batch []*Transaction) {
	c.mu.Lock()
	empty := len(c.failed) == 0
	c.mu.Unlock()
	if empty {
		return
	}

	live := make(map[string]struct{})
	for _, tx := range batch {
		live[tx.Handle] = struct{}{}
	}
	for _, tx := range c.store.Queue.Transactions() {
		live[tx.Handle] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for handle := range c.failed {
		if _, ok := live[handle]; !ok {
			delete(c.failed, handle)
		}
	}
}

func (c *Coordinator) onPurchased(tx *Transaction) {
	c.unstage(tx.Payment.ProductIdentifier)

	c.sequencer.Submit(tx.Handle, func() {
		appReceipt, err := c.receipts.Fetch(context.Background())
		if err != nil {
			c.log.Warn("Failed to resolve receipt for purchase", zap.String("product", tx.Payment.ProductIdentifier), zap.Error(err))
			c.session.Publish(iap.PurchaseErrorEvent(model.PlatformApple, iap.AsError(err).WithProduct(tx.Payment.ProductIdentifier)))
			return
		}

		c.session.Publish(iap.PurchaseUpdatedEvent(model.PlatformApple, toTransaction(tx, appReceipt)))
	})
}

// onFailed finishes a failed transaction and reports it. Redeliveries of the
// same transaction are ignored.
func (c *Coordinator) onFailed(tx *Transaction) {
	c.mu.Lock()
	if _, seen := c.failed[tx.Handle]; seen {
		c.mu.Unlock()
		c.log.Debug("Ignoring redelivered failed transaction", zap.String("handle", tx.Handle))
		return
	}
	c.failed[tx.Handle] = struct{}{}
	c.mu.Unlock()

	c.store.Queue.Finish(tx)

	normalized := skError(tx.Error).WithProduct(tx.Payment.ProductIdentifier)
	c.sequencer.Submit(tx.Handle, func() {
		c.session.Publish(iap.PurchaseErrorEvent(model.PlatformApple, normalized))
	})
}

func (c *Coordinator) onStorePayment(payment Payment, p *Product) bool {
	converted, err := toProduct(p)
	if err != nil {
		c.log.Warn("Dropping malformed promoted product", zap.String("product", payment.ProductIdentifier), zap.Error(err))
		return false
	}

	c.cache.Put(converted, p)

	c.mu.Lock()
	c.promoted = append(removeProduct(c.promoted, converted.ID), converted)
	c.mu.Unlock()

	c.session.Publish(iap.PromotedProductEvent(model.PlatformApple, converted.Clone()))
	return false
}

func (c *Coordinator) unstage(productID string) {
	c.mu.Lock()
	c.promoted = removeProduct(c.promoted, productID)
	c.mu.Unlock()
}

// onRestoreFinished finishes and returns every restored transaction. The
// transactions are finished before the receipt is resolved; if the receipt
// cannot be read they are returned without one.
func (c *Coordinator) onRestoreFinished() {
	restore := c.session.ActiveRestore()
	if restore == nil {
		c.log.Debug("Restore finished without an active restore")
		return
	}

	var restored []*Transaction
	for _, tx := range c.store.Queue.Transactions() {
		if tx.State != TransactionStateRestored {
			continue
		}
		restored = append(restored, tx)
		c.store.Queue.Finish(tx)
	}

	go func() {
		appReceipt, err := c.receipts.Fetch(context.Background())
		if err != nil {
			c.log.Warn("Failed to resolve receipt for restore", zap.Error(err))
		}

		txs := make([]*model.Transaction, 0, len(restored))
		for _, tx := range restored {
			txs = append(txs, toTransaction(tx, appReceipt))
		}

		c.log.Debug("Restore finished", zap.Int("transactions", len(txs)))
		c.session.ResolveRestore(restore, txs, nil)
	}()
}

func (c *Coordinator) onRestoreFailed(err *SKError) {
	for _, tx := range c.store.Queue.Transactions() {
		if tx.State == TransactionStateRestored {
			c.store.Queue.Finish(tx)
		}
	}

	if !c.session.CompleteRestore(nil, skError(err)) {
		c.log.Debug("Restore failed without an active restore")
	}
}

func removeProduct(products []*model.Product, id string) []*model.Product {
	kept := products[:0]
	for _, p := range products {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	return kept
}
