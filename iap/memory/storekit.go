package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/iap-bridge/iap/apple"
	"github.com/code-payments/iap-bridge/model"
)

var (
	_ apple.PaymentQueue      = (*StoreKit)(nil)
	_ apple.ProductsRequester = (*StoreKit)(nil)
)

var errNoObserver = errors.New("payment queue has no observer")

// StoreKit is an in-memory payment queue, products requester and receipt
// store. Products responses and restores are delivered on their own
// goroutine; transaction updates are delivered on the goroutine that causes
// them.
type StoreKit struct {
	mu sync.Mutex

	observers       []apple.Observer
	observeErr      error
	canMakePayments bool
	productsErr     *apple.SKError
	restoreErr      *apple.SKError

	catalog  map[string]*apple.Product
	queue    []*apple.Transaction
	owned    []*apple.Transaction
	payments []apple.Payment
	finishes int
	calls    int
	held     chan struct{}
	ids      int

	receipt        []byte
	receiptPresent bool
	refreshable    bool
	readErr        error
	refreshes      int
}

func NewStoreKit() *StoreKit {
	return &StoreKit{
		canMakePayments: true,
		catalog:         make(map[string]*apple.Product),
		receipt:         []byte("sandbox-receipt"),
		receiptPresent:  true,
		refreshable:     true,
	}
}

// Kit returns the handles a Coordinator is constructed with.
func (s *StoreKit) Kit() apple.StoreKit {
	return apple.StoreKit{
		Queue:    s,
		Products: s,
		Receipts: s,
	}
}

// SetObserveError makes AddObserver fail.
func (s *StoreKit) SetObserveError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observeErr = err
}

func (s *StoreKit) SetCanMakePayments(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canMakePayments = enabled
}

// SetProductsError fails subsequent products requests with err.
func (s *StoreKit) SetProductsError(err *apple.SKError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.productsErr = err
}

// SetRestoreError fails subsequent restores with err, after the restored
// transactions were delivered.
func (s *StoreKit) SetRestoreError(err *apple.SKError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restoreErr = err
}

// SetReceipt replaces the app receipt. A refreshable receipt becomes present
// after a refresh.
func (s *StoreKit) SetReceipt(data []byte, present, refreshable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipt = append([]byte(nil), data...)
	s.receiptPresent = present
	s.refreshable = refreshable
}

// SetReceiptError makes receipt reads fail with err.
func (s *StoreKit) SetReceiptError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readErr = err
}

func (s *StoreKit) CanMakePayments() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.canMakePayments
}

func (s *StoreKit) AddObserver(o apple.Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.observeErr != nil {
		return s.observeErr
	}
	s.observers = append(s.observers, o)
	return nil
}

func (s *StoreKit) RemoveObserver(o apple.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	for i, registered := range s.observers {
		if registered == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *StoreKit) Add(payment apple.Payment) {
	s.mu.Lock()
	s.calls++
	s.payments = append(s.payments, clonePayment(payment))
	tx := s.enqueueLocked(payment)
	s.mu.Unlock()

	_ = s.notify([]*apple.Transaction{tx})
}

func (s *StoreKit) Transactions() []*apple.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	txs := make([]*apple.Transaction, 0, len(s.queue))
	for _, tx := range s.queue {
		txs = append(txs, cloneTransaction(tx))
	}
	return txs
}

func (s *StoreKit) Finish(tx *apple.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	for i, queued := range s.queue {
		if queued.Handle == tx.Handle {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.finishes++
			return
		}
	}
}

func (s *StoreKit) RestoreCompletedTransactions(applicationUsername string) {
	s.mu.Lock()
	s.calls++
	held := s.held
	s.mu.Unlock()

	go func() {
		if held != nil {
			<-held
		}

		s.mu.Lock()
		restored := make([]*apple.Transaction, 0, len(s.owned))
		for _, original := range s.owned {
			payment := clonePayment(original.Payment)
			payment.ApplicationUsername = applicationUsername

			tx := &apple.Transaction{
				Handle:     uuid.NewString(),
				Identifier: s.nextIDLocked(),
				State:      apple.TransactionStateRestored,
				Payment:    payment,
				Date:       time.Now(),
				Original:   cloneTransaction(original),
			}
			s.queue = append(s.queue, tx)
			restored = append(restored, cloneTransaction(tx))
		}
		restoreErr := s.restoreErr
		observers := append([]apple.Observer(nil), s.observers...)
		s.mu.Unlock()

		for _, o := range observers {
			if len(restored) > 0 {
				o.UpdatedTransactions(restored)
			}
			if restoreErr != nil {
				failure := *restoreErr
				o.RestoreCompletedTransactionsFailed(&failure)
			} else {
				o.RestoreCompletedTransactionsFinished()
			}
		}
	}()
}

func (s *StoreKit) RequestProducts(handle string, productIDs []string, delegate apple.ProductsDelegate) {
	s.mu.Lock()
	s.calls++
	var (
		products []*apple.Product
		invalid  []string
	)
	for _, id := range productIDs {
		if p, ok := s.catalog[id]; ok {
			products = append(products, cloneProduct(p))
		} else {
			invalid = append(invalid, id)
		}
	}
	failure := s.productsErr
	s.mu.Unlock()

	go func() {
		if failure != nil {
			err := *failure
			delegate.ProductsRequestFailed(handle, &err)
			return
		}
		delegate.ProductsReceived(handle, products, invalid)
	}()
}

func (s *StoreKit) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receiptPresent
}

func (s *StoreKit) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}
	if !s.receiptPresent {
		return nil, errors.New("no receipt")
	}
	return append([]byte(nil), s.receipt...), nil
}

func (s *StoreKit) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshes++
	if s.refreshable {
		s.receiptPresent = true
	}
	return nil
}

// PutProduct adds or replaces a catalog entry.
func (s *StoreKit) PutProduct(p *model.Product) {
	sk := &apple.Product{
		ProductIdentifier:           p.ID,
		LocalizedTitle:              p.Title,
		LocalizedDescription:        p.Description,
		Price:                       p.Price.Amount,
		CurrencyCode:                p.Price.Currency,
		SubscriptionGroupIdentifier: p.SubscriptionGroupID,
	}
	if p.Type == model.ProductTypeSubscription && p.SubscriptionPeriod != nil {
		period := toSKPeriod(*p.SubscriptionPeriod)
		sk.SubscriptionPeriod = &period
	}
	if p.IntroductoryOffer != nil {
		intro := toSKDiscount(p.IntroductoryOffer)
		sk.IntroductoryPrice = &intro
	}
	for i := range p.Discounts {
		sk.Discounts = append(sk.Discounts, toSKDiscount(&p.Discounts[i]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog[p.ID] = sk
}

// CompletePurchase moves the outstanding transaction of productID to
// purchased and reports it.
func (s *StoreKit) CompletePurchase(productID string) error {
	s.mu.Lock()
	tx := s.outstandingLocked(productID)
	tx.State = apple.TransactionStatePurchased
	tx.Identifier = s.nextIDLocked()
	tx.Date = time.Now()
	s.owned = append(s.owned, cloneTransaction(tx))
	delivered := cloneTransaction(tx)
	s.mu.Unlock()

	return s.notify([]*apple.Transaction{delivered})
}

// FailPurchase moves the outstanding transaction of productID to failed. The
// failed transaction is delivered 1+redeliveries times, as StoreKit does
// until it is finished.
func (s *StoreKit) FailPurchase(productID string, redeliveries int) error {
	s.mu.Lock()
	tx := s.outstandingLocked(productID)
	tx.State = apple.TransactionStateFailed
	tx.Error = &apple.SKError{Code: 2, Description: "payment cancelled"}
	delivered := cloneTransaction(tx)
	s.mu.Unlock()

	for i := 0; i <= redeliveries; i++ {
		if err := s.notify([]*apple.Transaction{cloneTransaction(delivered)}); err != nil {
			return err
		}
	}
	return nil
}

// AddPending adds a transaction that is still purchasing and reports it.
func (s *StoreKit) AddPending(productID string) {
	s.mu.Lock()
	tx := s.enqueueLocked(apple.Payment{ProductIdentifier: productID, Quantity: 1})
	s.mu.Unlock()

	_ = s.notify([]*apple.Transaction{tx})
}

// AddOwned records a completed purchase that restores redeliver.
func (s *StoreKit) AddOwned(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owned = append(s.owned, &apple.Transaction{
		Handle:     uuid.NewString(),
		Identifier: s.nextIDLocked(),
		State:      apple.TransactionStatePurchased,
		Payment:    apple.Payment{ProductIdentifier: productID, Quantity: 1},
		Date:       time.Now(),
	})
}

// PromotePurchase simulates a purchase started from the App Store. The
// payment is queued if an observer accepts it.
func (s *StoreKit) PromotePurchase(productID string) (bool, error) {
	s.mu.Lock()
	p, ok := s.catalog[productID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("unknown product %s", productID)
	}
	product := cloneProduct(p)
	observers := append([]apple.Observer(nil), s.observers...)
	s.mu.Unlock()

	if len(observers) == 0 {
		return false, errNoObserver
	}

	payment := apple.Payment{ProductIdentifier: productID, Quantity: 1}

	var added bool
	for _, o := range observers {
		if o.ShouldAddStorePayment(payment, product) {
			added = true
		}
	}
	if added {
		s.Add(payment)
	}
	return added, nil
}

// HoldRestores holds restore callbacks until ReleaseRestores.
func (s *StoreKit) HoldRestores() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		s.held = make(chan struct{})
	}
}

func (s *StoreKit) ReleaseRestores() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held != nil {
		close(s.held)
		s.held = nil
	}
}

// VendorCalls returns the number of payment queue and products calls made
// so far.
func (s *StoreKit) VendorCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

// Unfinished returns the number of purchased or restored transactions still
// in the queue.
func (s *StoreKit) Unfinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	for _, tx := range s.queue {
		if tx.State == apple.TransactionStatePurchased || tx.State == apple.TransactionStateRestored {
			count++
		}
	}
	return count
}

// Payments returns every payment added to the queue.
func (s *StoreKit) Payments() []apple.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	payments := make([]apple.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		payments = append(payments, clonePayment(p))
	}
	return payments
}

func (s *StoreKit) TotalFinishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishes
}

func (s *StoreKit) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshes
}

func (s *StoreKit) enqueueLocked(payment apple.Payment) *apple.Transaction {
	tx := &apple.Transaction{
		Handle:  uuid.NewString(),
		State:   apple.TransactionStatePurchasing,
		Payment: clonePayment(payment),
	}
	s.queue = append(s.queue, tx)
	return cloneTransaction(tx)
}

// outstandingLocked returns the first purchasing transaction of productID,
// queueing a new one if there is none.
func (s *StoreKit) outstandingLocked(productID string) *apple.Transaction {
	for _, tx := range s.queue {
		if tx.State == apple.TransactionStatePurchasing && tx.Payment.ProductIdentifier == productID {
			return tx
		}
	}

	tx := &apple.Transaction{
		Handle:  uuid.NewString(),
		State:   apple.TransactionStatePurchasing,
		Payment: apple.Payment{ProductIdentifier: productID, Quantity: 1},
	}
	s.queue = append(s.queue, tx)
	return tx
}

func (s *StoreKit) nextIDLocked() string {
	s.ids++
	return fmt.Sprintf("2000000%09d", s.ids)
}

func (s *StoreKit) notify(txs []*apple.Transaction) error {
	s.mu.Lock()
	observers := append([]apple.Observer(nil), s.observers...)
	s.mu.Unlock()

	if len(observers) == 0 {
		return errNoObserver
	}

	for _, o := range observers {
		o.UpdatedTransactions(txs)
	}
	return nil
}

var skPeriodUnits = map[model.PeriodUnit]apple.PeriodUnit{
	model.PeriodUnitDay:   apple.PeriodUnitDay,
	model.PeriodUnitWeek:  apple.PeriodUnitWeek,
	model.PeriodUnitMonth: apple.PeriodUnitMonth,
	model.PeriodUnitYear:  apple.PeriodUnitYear,
}

func toSKPeriod(p model.Period) apple.SubscriptionPeriod {
	return apple.SubscriptionPeriod{Unit: skPeriodUnits[p.Unit], NumberOfUnits: p.Count}
}

func toSKDiscount(d *model.Discount) apple.ProductDiscount {
	mode := apple.PaymentModePayAsYouGo
	switch d.PaymentMode {
	case "freeTrial", "free-trial":
		mode = apple.PaymentModeFreeTrial
	case "payUpFront", "pay-up-front":
		mode = apple.PaymentModePayUpFront
	}

	return apple.ProductDiscount{
		Identifier:         d.Identifier,
		Price:              d.Price.Amount,
		CurrencyCode:       d.Price.Currency,
		NumberOfPeriods:    d.Cycles,
		PaymentMode:        mode,
		SubscriptionPeriod: toSKPeriod(d.Period),
	}
}

func clonePayment(p apple.Payment) apple.Payment {
	if p.Discount != nil {
		discount := *p.Discount
		p.Discount = &discount
	}
	return p
}

func cloneTransaction(tx *apple.Transaction) *apple.Transaction {
	if tx == nil {
		return nil
	}

	cloned := *tx
	cloned.Payment = clonePayment(tx.Payment)
	cloned.Original = cloneTransaction(tx.Original)
	if tx.Error != nil {
		skErr := *tx.Error
		cloned.Error = &skErr
	}
	return &cloned
}

func cloneProduct(p *apple.Product) *apple.Product {
	cloned := *p
	if p.SubscriptionPeriod != nil {
		period := *p.SubscriptionPeriod
		cloned.SubscriptionPeriod = &period
	}
	if p.IntroductoryPrice != nil {
		intro := *p.IntroductoryPrice
		cloned.IntroductoryPrice = &intro
	}
	cloned.Discounts = append([]apple.ProductDiscount(nil), p.Discounts...)
	return &cloned
}
