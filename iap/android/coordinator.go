package android

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
	"github.com/code-payments/iap-bridge/product"
)

var (
	_ iap.Coordinator         = (*Coordinator)(nil)
	_ iap.Consumer            = (*Coordinator)(nil)
	_ iap.SubscriptionUpdater = (*Coordinator)(nil)
)

// Coordinator drives the Play Billing purchase lifecycle.
type Coordinator struct {
	log     *zap.Logger
	client  BillingClient
	session *iap.Session
	cache   *product.Cache[*ProductDetails]

	details   *iap.Calls[[]*ProductDetails]
	purchases *iap.Calls[[]*Purchase]
	acks      *iap.Calls[struct{}]
	consumes  *iap.Calls[string]

	mu         sync.Mutex
	generation uint64
	listener   *listener
	attempt    *connectAttempt
}

func NewCoordinator(log *zap.Logger, client BillingClient, bus *iap.Bus, metrics *iap.Metrics) *Coordinator {
	log = log.With(zap.String("platform", model.PlatformGoogle.String()))

	return &Coordinator{
		log:       log,
		client:    client,
		session:   iap.NewSession(log, model.PlatformGoogle, bus, metrics),
		cache:     product.NewCache[*ProductDetails](),
		details:   iap.NewCalls[[]*ProductDetails](),
		purchases: iap.NewCalls[[]*Purchase](),
		acks:      iap.NewCalls[struct{}](),
		consumes:  iap.NewCalls[string](),
	}
}

func (c *Coordinator) Platform() model.Platform {
	return model.PlatformGoogle
}

func (c *Coordinator) GetProducts(ctx context.Context, ids []string) (products []*model.Product, err error) {
	defer func() { c.session.Observe("getProducts", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	handle, ch := c.details.Register()
	c.client.QueryProductDetails(ids, func(result BillingResult, details []*ProductDetails) {
		c.details.Resolve(handle, details, resultError(result))
	})

	details, err := c.details.Await(ctx, handle, ch)
	if err != nil {
		return nil, err
	}

	entries := make([]product.Entry[*ProductDetails], 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}

		p, err := toProduct(d)
		if err != nil {
			c.log.Warn("Dropping malformed product details", zap.String("product", d.ProductID), zap.Error(err))
			continue
		}
		entries = append(entries, product.Entry[*ProductDetails]{Product: p, Handle: d})
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

	_, details, ok := c.cache.Get(req.ProductID)
	if !ok {
		return iap.ErrProductNotFound.WithProduct(req.ProductID)
	}

	if req.Offer != nil {
		c.log.Debug("Ignoring promotional offer", zap.String("product", req.ProductID))
	}

	return c.launch(&FlowParams{
		ProductDetails:      details,
		ObfuscatedAccountID: req.UserIdentifier,
		ObfuscatedProfileID: req.ProfileIdentifier,
	})
}

func (c *Coordinator) UpdateSubscription(_ context.Context, req *iap.SubscriptionUpdate) (err error) {
	defer func() { c.session.Observe("updateSubscription", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	p, details, ok := c.cache.Get(req.ProductID)
	if !ok {
		return iap.ErrProductNotFound.WithProduct(req.ProductID)
	}
	if p.Type != model.ProductTypeSubscription {
		return iap.InvalidArgument("product %s is not a subscription", req.ProductID)
	}

	return c.launch(&FlowParams{
		ProductDetails:      details,
		ObfuscatedAccountID: req.UserIdentifier,
		ObfuscatedProfileID: req.ProfileIdentifier,
		SubscriptionUpdate: &SubscriptionUpdateParams{
			OldPurchaseToken: req.OldPurchaseToken,
			ProrationMode:    req.ProrationMode,
		},
	})
}

func (c *Coordinator) launch(params *FlowParams) error {
	result := c.client.LaunchBillingFlow(params)
	if err := resultError(result); err != nil {
		return iap.AsError(err).WithProduct(params.ProductDetails.ProductID)
	}
	return nil
}

// FinishTransaction acknowledges the referenced purchases. Purchases that are
// still pending cannot be acknowledged.
func (c *Coordinator) FinishTransaction(ctx context.Context, ref model.TransactionRef) (err error) {
	defer func() { c.session.Observe("finishTransaction", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	owned, err := c.queryOwned(ctx)
	if err != nil {
		return err
	}

	var matches []*Purchase
	for _, p := range owned {
		tx := toTransaction(p)
		if !ref.Matches(tx) {
			continue
		}
		if tx.State == model.TransactionStatePending {
			return iap.ErrFinishNotAllowed.WithProduct(tx.ProductID)
		}
		matches = append(matches, p)
	}

	for _, p := range matches {
		if p.IsAcknowledged {
			continue
		}
		if err := c.acknowledge(ctx, p.PurchaseToken); err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) FinishAllCompleted(ctx context.Context) (err error) {
	defer func() { c.session.Observe("finishAllCompleted", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return err
	}

	owned, err := c.queryOwned(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range owned {
		if p.State != PurchaseStatePurchased || p.IsAcknowledged {
			continue
		}
		if err := c.acknowledge(ctx, p.PurchaseToken); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RestorePurchases returns every owned purchase, acknowledging those that
// were not acknowledged yet.
func (c *Coordinator) RestorePurchases(ctx context.Context, userIdentifier string) (txs []*model.Transaction, err error) {
	defer func() { c.session.Observe("restorePurchases", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	restore, err := c.session.BeginRestore(userIdentifier)
	if err != nil {
		return nil, err
	}

	go c.restore(restore)

	return restore.Wait(ctx)
}

func (c *Coordinator) restore(restore *iap.RestoreSession) {
	// Vendor work is not cancellable, so the restore outlives its caller.
	ctx := context.Background()

	owned, err := c.queryOwned(ctx)
	if err != nil {
		c.session.ResolveRestore(restore, nil, err)
		return
	}

	txs := make([]*model.Transaction, 0, len(owned))
	for _, p := range owned {
		if p.State != PurchaseStatePurchased {
			continue
		}

		if !p.IsAcknowledged {
			if err := c.acknowledge(ctx, p.PurchaseToken); err != nil {
				c.session.ResolveRestore(restore, nil, err)
				return
			}
		}

		tx := toTransaction(p)
		tx.State = model.TransactionStateRestored
		tx.IsAcknowledged = true
		txs = append(txs, tx)
	}

	c.log.Debug("Restore finished", zap.Int("transactions", len(txs)))
	c.session.ResolveRestore(restore, txs, nil)
}

// Consume consumes a purchase so it can be bought again. A purchase that is
// not owned is treated as already consumed.
func (c *Coordinator) Consume(ctx context.Context, token string) (consumed string, err error) {
	defer func() { c.session.Observe("consume", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return "", err
	}

	return c.consume(ctx, token)
}

// ConsumeAllPending consumes every owned one-time purchase and returns their
// tokens.
func (c *Coordinator) ConsumeAllPending(ctx context.Context) (tokens []string, err error) {
	defer func() { c.session.Observe("consumeAllPending", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	owned, err := c.queryPurchases(ctx, ProductTypeInApp)
	if err != nil {
		return nil, err
	}

	var consumable []*Purchase
	for _, p := range owned {
		if p.State == PurchaseStatePurchased {
			consumable = append(consumable, p)
		}
	}
	if len(consumable) == 0 {
		return nil, iap.ErrNothingToConsume
	}

	tokens = make([]string, len(consumable))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range consumable {
		i, p := i, p
		g.Go(func() error {
			token, err := c.consume(ctx, p.PurchaseToken)
			if err != nil {
				return err
			}
			tokens[i] = token
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tokens, nil
}

func (c *Coordinator) GetPendingTransactions(ctx context.Context) (txs []*model.Transaction, err error) {
	defer func() { c.session.Observe("getPendingTransactions", err) }()

	if err := c.session.RequireConnected(); err != nil {
		return nil, err
	}

	owned, err := c.queryOwned(ctx)
	if err != nil {
		return nil, err
	}

	txs = make([]*model.Transaction, 0, len(owned))
	for _, p := range owned {
		txs = append(txs, toTransaction(p))
	}
	return txs, nil
}

// GetPromotedProducts is always empty: Play Billing has no store-initiated
// purchase flow.
func (c *Coordinator) GetPromotedProducts(_ context.Context) ([]*model.Product, error) {
	return []*model.Product{}, nil
}

func (c *Coordinator) onPurchasesUpdated(result BillingResult, purchases []*Purchase) {
	if err := resultError(result); err != nil {
		normalized := iap.AsError(err)
		if len(purchases) == 0 {
			c.log.Debug("Purchase failed", zap.Error(normalized))
			c.session.Publish(iap.PurchaseErrorEvent(model.PlatformGoogle, normalized))
			return
		}

		for _, p := range purchases {
			tx := toTransaction(p)
			c.log.Debug("Purchase failed", zap.Strings("products", p.Products), zap.Error(normalized))
			c.session.Publish(iap.PurchaseErrorEvent(model.PlatformGoogle, normalized.WithProduct(tx.ProductID)))
		}
		return
	}

	for _, p := range purchases {
		if p.State == PurchaseStateUnspecified {
			c.log.Debug("Skipping purchase in unspecified state", zap.Strings("products", p.Products))
			continue
		}

		tx := toTransaction(p)
		c.log.Debug("Purchase updated", zap.Strings("products", p.Products), zap.Stringer("state", tx.State))
		c.session.Publish(iap.PurchaseUpdatedEvent(model.PlatformGoogle, tx))
	}
}

// queryOwned returns the owned purchases of both product types.
func (c *Coordinator) queryOwned(ctx context.Context) ([]*Purchase, error) {
	var inapp, subs []*Purchase

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		inapp, err = c.queryPurchases(ctx, ProductTypeInApp)
		return err
	})
	g.Go(func() (err error) {
		subs, err = c.queryPurchases(ctx, ProductTypeSubs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return append(inapp, subs...), nil
}

func (c *Coordinator) queryPurchases(ctx context.Context, productType ProductType) ([]*Purchase, error) {
	handle, ch := c.purchases.Register()
	c.client.QueryPurchases(productType, func(result BillingResult, purchases []*Purchase) {
		c.purchases.Resolve(handle, purchases, resultError(result))
	})
	return c.purchases.Await(ctx, handle, ch)
}

func (c *Coordinator) acknowledge(ctx context.Context, token string) error {
	handle, ch := c.acks.Register()
	c.client.Acknowledge(token, func(result BillingResult) {
		c.acks.Resolve(handle, struct{}{}, resultError(result))
	})

	_, err := c.acks.Await(ctx, handle, ch)
	return err
}

func (c *Coordinator) consume(ctx context.Context, token string) (string, error) {
	handle, ch := c.consumes.Register()
	c.client.Consume(token, func(result BillingResult, consumed string) {
		switch {
		case result.ResponseCode == ResponseItemNotOwned:
			c.consumes.Resolve(handle, token, nil)
		case consumed == "":
			c.consumes.Resolve(handle, token, resultError(result))
		default:
			c.consumes.Resolve(handle, consumed, resultError(result))
		}
	})
	return c.consumes.Await(ctx, handle, ch)
}
