package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/iap-bridge/iap/android"
	"github.com/code-payments/iap-bridge/model"
)

// BillingClient is an in-memory Play Billing client. Query callbacks are
// delivered on their own goroutine; purchase updates are delivered on the
// goroutine that simulates them.
type BillingClient struct {
	mu sync.Mutex

	packageName  string
	listener     android.Listener
	setupResult  android.BillingResult
	startErr     error
	launchResult android.BillingResult
	autoComplete bool

	catalog  map[string]*android.ProductDetails
	owned    []*android.Purchase
	flows    map[string]*android.FlowParams
	acks     map[string]int
	consumes map[string]int
	calls    int
	held     chan struct{}
	orders   int
}

func NewBillingClient(packageName string) *BillingClient {
	return &BillingClient{
		packageName: packageName,
		catalog:     make(map[string]*android.ProductDetails),
		flows:       make(map[string]*android.FlowParams),
		acks:        make(map[string]int),
		consumes:    make(map[string]int),
	}
}

// SetSetupResult sets the result reported by the next setup callback.
func (c *BillingClient) SetSetupResult(code android.ResponseCode, debugMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setupResult = android.BillingResult{ResponseCode: code, DebugMessage: debugMessage}
}

// SetStartError makes StartConnection fail synchronously.
func (c *BillingClient) SetStartError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startErr = err
}

// SetLaunchResult sets the result of subsequent billing flow launches.
func (c *BillingClient) SetLaunchResult(code android.ResponseCode, debugMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.launchResult = android.BillingResult{ResponseCode: code, DebugMessage: debugMessage}
}

// SetAutoComplete completes every launched billing flow immediately.
func (c *BillingClient) SetAutoComplete(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoComplete = enabled
}

func (c *BillingClient) StartConnection(l android.Listener) error {
	c.mu.Lock()
	c.calls++
	if c.startErr != nil {
		err := c.startErr
		c.mu.Unlock()
		return err
	}
	c.listener = l
	result := c.setupResult
	c.mu.Unlock()

	go l.OnBillingSetupFinished(result)
	return nil
}

func (c *BillingClient) EndConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	c.listener = nil
}

func (c *BillingClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.listener != nil
}

func (c *BillingClient) QueryProductDetails(productIDs []string, cb func(android.BillingResult, []*android.ProductDetails)) {
	c.mu.Lock()
	c.calls++
	var details []*android.ProductDetails
	for _, id := range productIDs {
		if d, ok := c.catalog[id]; ok {
			copied := *d
			details = append(details, &copied)
		}
	}
	c.mu.Unlock()

	go cb(android.BillingResult{}, details)
}

func (c *BillingClient) LaunchBillingFlow(params *android.FlowParams) android.BillingResult {
	c.mu.Lock()
	c.calls++
	result := c.launchResult
	autoComplete := c.autoComplete
	if result.OK() {
		c.flows[params.ProductDetails.ProductID] = params
	}
	c.mu.Unlock()

	if result.OK() && autoComplete {
		go c.CompletePurchase(params.ProductDetails.ProductID)
	}
	return result
}

func (c *BillingClient) Acknowledge(purchaseToken string, cb func(android.BillingResult)) {
	c.mu.Lock()
	c.calls++
	result := android.BillingResult{ResponseCode: android.ResponseItemNotOwned}
	if p := c.findLocked(purchaseToken); p != nil {
		switch p.State {
		case android.PurchaseStatePurchased:
			p.IsAcknowledged = true
			c.acks[purchaseToken]++
			result = android.BillingResult{}
		default:
			result = android.BillingResult{ResponseCode: android.ResponseDeveloperError, DebugMessage: "purchase is pending"}
		}
	}
	c.mu.Unlock()

	go cb(result)
}

func (c *BillingClient) Consume(purchaseToken string, cb func(android.BillingResult, string)) {
	c.mu.Lock()
	c.calls++
	result := android.BillingResult{ResponseCode: android.ResponseItemNotOwned}
	consumed := ""
	if p := c.findLocked(purchaseToken); p != nil && p.State == android.PurchaseStatePurchased {
		c.removeLocked(purchaseToken)
		c.consumes[purchaseToken]++
		result = android.BillingResult{}
		consumed = purchaseToken
	}
	c.mu.Unlock()

	go cb(result, consumed)
}

func (c *BillingClient) QueryPurchases(productType android.ProductType, cb func(android.BillingResult, []*android.Purchase)) {
	c.mu.Lock()
	c.calls++
	held := c.held
	c.mu.Unlock()

	go func() {
		if held != nil {
			<-held
		}

		c.mu.Lock()
		var purchases []*android.Purchase
		for _, p := range c.owned {
			if c.typeOfLocked(p.Products[0]) == productType {
				purchases = append(purchases, clonePurchase(p))
			}
		}
		c.mu.Unlock()

		cb(android.BillingResult{}, purchases)
	}()
}

// PutProduct adds or replaces a catalog entry.
func (c *BillingClient) PutProduct(p *model.Product) {
	d := &android.ProductDetails{
		ProductID:         p.ID,
		Type:              android.ProductTypeInApp,
		Title:             p.Title,
		Description:       p.Description,
		PriceAmountMicros: p.Price.Amount.Shift(6).IntPart(),
		PriceCurrencyCode: p.Price.Currency,
		FormattedPrice:    p.Price.Amount.StringFixed(2) + " " + p.Price.Currency,
		FreeTrialPeriod:   p.FreeTrialPeriod,
		IconURL:           p.IconURL,
	}
	if p.Type == model.ProductTypeSubscription && p.SubscriptionPeriod != nil {
		d.Type = android.ProductTypeSubs
		d.SubscriptionPeriod = p.SubscriptionPeriod.String()
	}
	if intro := p.IntroductoryOffer; intro != nil {
		d.IntroductoryPriceAmountMicros = intro.Price.Amount.Shift(6).IntPart()
		d.IntroductoryPricePeriod = intro.Period.String()
		d.IntroductoryPriceCycles = intro.Cycles
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.catalog[p.ID] = d
}

// CompletePurchase completes the billing flow for productID and reports the
// purchase to the listener.
func (c *BillingClient) CompletePurchase(productID string) error {
	p := c.newPurchase(productID, android.PurchaseStatePurchased, false)
	return c.notify(android.BillingResult{}, []*android.Purchase{p})
}

// FailPurchase reports a failed billing flow. Play Billing has no failed
// transaction to finish, so redeliveries repeat the failure callback.
func (c *BillingClient) FailPurchase(productID string, redeliveries int) error {
	c.mu.Lock()
	delete(c.flows, productID)
	c.mu.Unlock()

	result := android.BillingResult{ResponseCode: android.ResponseUserCanceled, DebugMessage: "user canceled " + productID}
	for i := 0; i <= redeliveries; i++ {
		if err := c.notify(result, nil); err != nil {
			return err
		}
	}
	return nil
}

// AddPending adds a purchase awaiting payment and reports it.
func (c *BillingClient) AddPending(productID string) {
	p := c.newPurchase(productID, android.PurchaseStatePending, false)
	_ = c.notify(android.BillingResult{}, []*android.Purchase{p})
}

// AddOwned adds a purchased, unacknowledged purchase without reporting it.
func (c *BillingClient) AddOwned(productID string) {
	c.newPurchase(productID, android.PurchaseStatePurchased, false)
}

// SettlePending moves every pending purchase of productID to purchased.
func (c *BillingClient) SettlePending(productID string) error {
	c.mu.Lock()
	var settled []*android.Purchase
	for _, p := range c.owned {
		if p.Products[0] == productID && p.State == android.PurchaseStatePending {
			p.State = android.PurchaseStatePurchased
			p.OrderID = c.nextOrderLocked()
			settled = append(settled, clonePurchase(p))
		}
	}
	c.mu.Unlock()

	return c.notify(android.BillingResult{}, settled)
}

// Disconnect simulates the billing service dropping the connection.
func (c *BillingClient) Disconnect() {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnBillingServiceDisconnected()
	}
}

// HoldRestores holds purchase queries until ReleaseRestores.
func (c *BillingClient) HoldRestores() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held == nil {
		c.held = make(chan struct{})
	}
}

func (c *BillingClient) ReleaseRestores() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held != nil {
		close(c.held)
		c.held = nil
	}
}

// VendorCalls returns the number of billing client calls made so far.
func (c *BillingClient) VendorCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

// Unfinished returns the number of purchased purchases not yet acknowledged.
func (c *BillingClient) Unfinished() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	for _, p := range c.owned {
		if p.State == android.PurchaseStatePurchased && !p.IsAcknowledged {
			count++
		}
	}
	return count
}

// Owned returns copies of every owned purchase.
func (c *BillingClient) Owned() []*android.Purchase {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := make([]*android.Purchase, 0, len(c.owned))
	for _, p := range c.owned {
		owned = append(owned, clonePurchase(p))
	}
	return owned
}

func (c *BillingClient) Acknowledged(purchaseToken string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.acks[purchaseToken]
}

func (c *BillingClient) Consumed(purchaseToken string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consumes[purchaseToken]
}

// LastFlow returns the last successful billing flow launched for productID.
func (c *BillingClient) LastFlow(productID string) *android.FlowParams {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flows[productID]
}

func (c *BillingClient) newPurchase(productID string, state android.PurchaseState, acknowledged bool) *android.Purchase {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &android.Purchase{
		PackageName:    c.packageName,
		Products:       []string{productID},
		PurchaseTime:   time.Now().UnixMilli(),
		PurchaseToken:  uuid.NewString(),
		Signature:      "sandbox",
		State:          state,
		Quantity:       1,
		IsAcknowledged: acknowledged,
		IsAutoRenewing: c.typeOfLocked(productID) == android.ProductTypeSubs,
	}
	if state == android.PurchaseStatePurchased {
		p.OrderID = c.nextOrderLocked()
	}
	p.OriginalJSON = fmt.Sprintf(`{"productId":%q,"purchaseToken":%q,"purchaseState":%d}`, productID, p.PurchaseToken, state)

	if flow, ok := c.flows[productID]; ok {
		p.AccountIdentifiers = &android.AccountIdentifiers{
			ObfuscatedAccountID: flow.ObfuscatedAccountID,
			ObfuscatedProfileID: flow.ObfuscatedProfileID,
		}
		delete(c.flows, productID)
	}

	c.owned = append(c.owned, p)
	return clonePurchase(p)
}

func (c *BillingClient) notify(result android.BillingResult, purchases []*android.Purchase) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	if l == nil {
		return fmt.Errorf("billing client is not connected")
	}

	l.OnPurchasesUpdated(result, purchases)
	return nil
}

func (c *BillingClient) nextOrderLocked() string {
	c.orders++
	return fmt.Sprintf("GPA.0000-0000-0000-%05d", c.orders)
}

func (c *BillingClient) typeOfLocked(productID string) android.ProductType {
	if d, ok := c.catalog[productID]; ok {
		return d.Type
	}
	return android.ProductTypeInApp
}

func (c *BillingClient) findLocked(token string) *android.Purchase {
	for _, p := range c.owned {
		if p.PurchaseToken == token {
			return p
		}
	}
	return nil
}

func (c *BillingClient) removeLocked(token string) {
	for i, p := range c.owned {
		if p.PurchaseToken == token {
			c.owned = append(c.owned[:i], c.owned[i+1:]...)
			return
		}
	}
}

func clonePurchase(p *android.Purchase) *android.Purchase {
	cloned := *p
	cloned.Products = append([]string(nil), p.Products...)
	if p.AccountIdentifiers != nil {
		ids := *p.AccountIdentifiers
		cloned.AccountIdentifiers = &ids
	}
	return &cloned
}
