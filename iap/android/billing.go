package android

// ResponseCode is a Play Billing response code.
type ResponseCode int

const (
	ResponseServiceTimeout      ResponseCode = -3
	ResponseFeatureNotSupported ResponseCode = -2
	ResponseServiceDisconnected ResponseCode = -1
	ResponseOK                  ResponseCode = 0
	ResponseUserCanceled        ResponseCode = 1
	ResponseServiceUnavailable  ResponseCode = 2
	ResponseBillingUnavailable  ResponseCode = 3
	ResponseItemUnavailable     ResponseCode = 4
	ResponseDeveloperError      ResponseCode = 5
	ResponseError               ResponseCode = 6
	ResponseItemAlreadyOwned    ResponseCode = 7
	ResponseItemNotOwned        ResponseCode = 8
	ResponseNetworkError        ResponseCode = 12
)

type BillingResult struct {
	ResponseCode ResponseCode
	DebugMessage string
}

func (r BillingResult) OK() bool {
	return r.ResponseCode == ResponseOK
}

// ProductType is the Play Billing product type string.
type ProductType string

const (
	ProductTypeInApp ProductType = "inapp"
	ProductTypeSubs  ProductType = "subs"
)

// ProductDetails is the catalog entry returned by a product details query.
// Periods use ISO 8601 durations (P1W, P1M, ...).
type ProductDetails struct {
	ProductID   string
	Type        ProductType
	Title       string
	Description string

	PriceAmountMicros int64
	PriceCurrencyCode string
	FormattedPrice    string

	SubscriptionPeriod            string
	IntroductoryPriceAmountMicros int64
	IntroductoryPricePeriod       string
	IntroductoryPriceCycles       int
	FreeTrialPeriod               string

	IconURL      string
	OriginalJSON string
}

type PurchaseState int

const (
	PurchaseStateUnspecified PurchaseState = 0
	PurchaseStatePurchased   PurchaseState = 1
	PurchaseStatePending     PurchaseState = 2
)

type AccountIdentifiers struct {
	ObfuscatedAccountID string
	ObfuscatedProfileID string
}

type Purchase struct {
	OrderID          string
	PackageName      string
	Products         []string
	PurchaseTime     int64
	PurchaseToken    string
	Signature        string
	OriginalJSON     string
	DeveloperPayload string
	State            PurchaseState
	Quantity         int
	IsAcknowledged   bool
	IsAutoRenewing   bool

	AccountIdentifiers *AccountIdentifiers
}

// SubscriptionUpdateParams replaces the subscription identified by
// OldPurchaseToken. ProrationMode is passed to Play Billing unchanged.
type SubscriptionUpdateParams struct {
	OldPurchaseToken string
	ProrationMode    int
}

// FlowParams describes a billing flow launch.
type FlowParams struct {
	ProductDetails      *ProductDetails
	ObfuscatedAccountID string
	ObfuscatedProfileID string

	SubscriptionUpdate *SubscriptionUpdateParams
}

// Listener receives the asynchronous callbacks of a billing connection.
type Listener interface {
	OnBillingSetupFinished(result BillingResult)
	OnBillingServiceDisconnected()
	OnPurchasesUpdated(result BillingResult, purchases []*Purchase)
}

// BillingClient is the handle to the Play Billing client owned by a
// Coordinator. Callbacks may be invoked on any goroutine, including
// synchronously from the initiating call.
type BillingClient interface {
	// StartConnection begins a billing session and registers l as the only
	// listener. An error means the session could not be started at all.
	StartConnection(l Listener) error
	EndConnection()
	IsReady() bool

	QueryProductDetails(productIDs []string, cb func(BillingResult, []*ProductDetails))
	LaunchBillingFlow(params *FlowParams) BillingResult
	Acknowledge(purchaseToken string, cb func(BillingResult))
	Consume(purchaseToken string, cb func(result BillingResult, purchaseToken string))
	QueryPurchases(productType ProductType, cb func(BillingResult, []*Purchase))
}
