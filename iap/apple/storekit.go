package apple

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-payments/iap-bridge/receipt"
)

// TransactionState is an SKPaymentTransactionState.
type TransactionState int

const (
	TransactionStatePurchasing TransactionState = iota
	TransactionStatePurchased
	TransactionStateFailed
	TransactionStateRestored
	TransactionStateDeferred
)

// SKError is a StoreKit error with its SKError.Code.
type SKError struct {
	Code        int
	Description string
}

func (e *SKError) Error() string {
	return fmt.Sprintf("skerror %d: %s", e.Code, e.Description)
}

type PaymentDiscount struct {
	Identifier    string
	KeyIdentifier string
	Nonce         uuid.UUID
	Signature     string
	Timestamp     int64
}

type Payment struct {
	ProductIdentifier   string
	Quantity            int
	ApplicationUsername string
	Discount            *PaymentDiscount
}

// Transaction is an SKPaymentTransaction. Handle identifies the underlying
// transaction object and is stable across redeliveries, unlike Identifier
// which is empty until the transaction is purchased or restored.
type Transaction struct {
	Handle     string
	Identifier string
	State      TransactionState
	Payment    Payment
	Date       time.Time
	Original   *Transaction
	Error      *SKError
}

// PeriodUnit is an SKProduct.PeriodUnit.
type PeriodUnit int

const (
	PeriodUnitDay PeriodUnit = iota
	PeriodUnitWeek
	PeriodUnitMonth
	PeriodUnitYear
)

type SubscriptionPeriod struct {
	Unit          PeriodUnit
	NumberOfUnits int
}

// PaymentMode is an SKProductDiscount.PaymentMode.
type PaymentMode int

const (
	PaymentModePayAsYouGo PaymentMode = iota
	PaymentModePayUpFront
	PaymentModeFreeTrial
)

type ProductDiscount struct {
	Identifier         string
	Price              decimal.Decimal
	CurrencyCode       string
	NumberOfPeriods    int
	PaymentMode        PaymentMode
	SubscriptionPeriod SubscriptionPeriod
}

// Product is an SKProduct.
type Product struct {
	ProductIdentifier    string
	LocalizedTitle       string
	LocalizedDescription string
	Price                decimal.Decimal
	CurrencyCode         string

	SubscriptionPeriod          *SubscriptionPeriod
	IntroductoryPrice           *ProductDiscount
	Discounts                   []ProductDiscount
	SubscriptionGroupIdentifier string
}

// Observer receives payment queue callbacks.
type Observer interface {
	UpdatedTransactions(txs []*Transaction)

	// ShouldAddStorePayment is asked when the user starts a purchase from
	// the App Store. Returning false defers the payment to the app.
	ShouldAddStorePayment(payment Payment, product *Product) bool

	RestoreCompletedTransactionsFinished()
	RestoreCompletedTransactionsFailed(err *SKError)
}

// PaymentQueue is the SKPaymentQueue owned by a Coordinator.
type PaymentQueue interface {
	CanMakePayments() bool
	AddObserver(o Observer) error
	RemoveObserver(o Observer)

	Add(payment Payment)
	Transactions() []*Transaction
	Finish(tx *Transaction)
	RestoreCompletedTransactions(applicationUsername string)
}

// ProductsDelegate receives the outcome of a products request.
type ProductsDelegate interface {
	ProductsReceived(handle string, products []*Product, invalidIdentifiers []string)
	ProductsRequestFailed(handle string, err *SKError)
}

// ProductsRequester starts SKProductsRequests. The delegate is called exactly
// once per request with the handle it was started with.
type ProductsRequester interface {
	RequestProducts(handle string, productIDs []string, delegate ProductsDelegate)
}

// StoreKit groups the StoreKit handles a Coordinator needs.
type StoreKit struct {
	Queue    PaymentQueue
	Products ProductsRequester
	Receipts receipt.Source
}
