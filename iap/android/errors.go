package android

import (
	"github.com/code-payments/iap-bridge/iap"
)

var (
	errServiceTimeout      = iap.NewError(iap.KindServiceUnavailable, "E_SERVICE_TIMEOUT", "The request has reached the maximum timeout before Google Play responds.")
	errFeatureNotSupported = iap.NewError(iap.KindVendor, "E_FEATURE_NOT_SUPPORTED", "Requested feature is not supported by Play Store on the current device.")
	errServiceDisconnected = iap.NewError(iap.KindServiceUnavailable, "E_SERVICE_DISCONNECTED", "Play Store service is not connected now - potentially transient state.")
	errUserCanceled        = iap.NewError(iap.KindUserCancelled, iap.CodeUserCancelled, "User pressed back or canceled a dialog.")
	errServiceUnavailable  = iap.NewError(iap.KindServiceUnavailable, iap.CodeServiceUnavailable, "Network connection is down.")
	errBillingUnavailable  = iap.NewError(iap.KindServiceUnavailable, "E_BILLING_UNAVAILABLE", "Billing API version is not supported for the type requested.")
	errItemUnavailable     = iap.NewError(iap.KindVendor, "E_ITEM_UNAVAILABLE", "Requested product is not available for purchase.")
	errDeveloperError      = iap.NewError(iap.KindVendor, "E_DEVELOPER_ERROR", "Invalid arguments provided to the API.")
	errError               = iap.NewError(iap.KindVendor, "E_ERROR", "Fatal error during the API action.")
	errItemAlreadyOwned    = iap.NewError(iap.KindAlreadyOwned, iap.CodeAlreadyOwned, "Failure to purchase since item is already owned.")
	errItemNotOwned        = iap.NewError(iap.KindVendor, "E_ITEM_NOT_OWNED", "Failure to consume since item is not owned.")
	errNetworkError        = iap.NewError(iap.KindServiceUnavailable, "E_NETWORK_ERROR", "A network error occurred during the operation.")
)

// ResponseCodes maps every documented non-OK Play Billing response code.
var ResponseCodes = iap.NewErrorTable(iap.ErrUnknown, map[int]*iap.Error{
	int(ResponseServiceTimeout):      errServiceTimeout,
	int(ResponseFeatureNotSupported): errFeatureNotSupported,
	int(ResponseServiceDisconnected): errServiceDisconnected,
	int(ResponseUserCanceled):        errUserCanceled,
	int(ResponseServiceUnavailable):  errServiceUnavailable,
	int(ResponseBillingUnavailable):  errBillingUnavailable,
	int(ResponseItemUnavailable):     errItemUnavailable,
	int(ResponseDeveloperError):      errDeveloperError,
	int(ResponseError):               errError,
	int(ResponseItemAlreadyOwned):    errItemAlreadyOwned,
	int(ResponseItemNotOwned):        errItemNotOwned,
	int(ResponseNetworkError):        errNetworkError,
})

// resultError converts a non-OK billing result into a normalized error.
func resultError(result BillingResult) error {
	if result.OK() {
		return nil
	}
	return ResponseCodes.Lookup(int(result.ResponseCode)).WithDebug(result.DebugMessage)
}
