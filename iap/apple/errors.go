package apple

import (
	"github.com/code-payments/iap-bridge/iap"
)

func vendorError(code iap.Code, message string) *iap.Error {
	return iap.NewError(iap.KindVendor, code, message)
}

// SKErrorCodes maps SKError.Code values 0 through 20.
var SKErrorCodes = iap.NewErrorTable(iap.ErrUnknown, map[int]*iap.Error{
	0:  iap.ErrUnknown,
	1:  vendorError("E_CLIENT_INVALID", "Client is not allowed to issue the request."),
	2:  iap.ErrUserCancelled,
	3:  vendorError("E_PAYMENT_INVALID", "Purchase identifier was invalid."),
	4:  vendorError("E_PAYMENT_NOT_ALLOWED", "This device is not allowed to make the payment."),
	5:  vendorError("E_STORE_PRODUCT_NOT_AVAILABLE", "Product is not available in the current storefront."),
	6:  vendorError("E_CLOUD_SERVICE_DENIED", "User has not allowed access to cloud service information."),
	7:  iap.NewError(iap.KindServiceUnavailable, "E_NETWORK_CONNECTION", "The device could not connect to the network."),
	8:  vendorError("E_CLOUD_SERVICE_REVOKED", "User has revoked permission to use this cloud service."),
	9:  vendorError("E_PRIVACY_ACKNOWLEDGEMENT_REQUIRED", "User needs to acknowledge Apple's privacy policy."),
	10: vendorError("E_UNAUTHORIZED", "App is attempting to use request data without the appropriate entitlement."),
	11: vendorError("E_INVALID_OFFER", "Specified subscription offer identifier is not valid."),
	12: vendorError("E_INVALID_SIGNATURE", "The cryptographic signature provided is not valid."),
	13: vendorError("E_MISSING_OFFER_PARAMS", "One or more parameters of the payment discount are missing."),
	14: vendorError("E_INVALID_OFFER_PARAMS", "Price of the selected offer is not valid."),
	15: vendorError("E_OVERLAY_CANCELLED", "User cancelled the overlay."),
	16: vendorError("E_OVERLAY_CONFIGURATION", "The overlay configuration is not valid."),
	17: vendorError("E_OVERLAY_TIMEOUT", "The overlay failed to load in time."),
	18: vendorError("E_INELIGIBLE_FOR_OFFER", "User is not eligible for the subscription offer."),
	19: vendorError("E_UNSUPPORTED_PLATFORM", "The operation is not supported on the current platform."),
	20: vendorError("E_OVERLAY_IN_BACKGROUND", "The overlay was presented in a background scene."),
})

func skError(err *SKError) *iap.Error {
	if err == nil {
		return SKErrorCodes.Lookup(0)
	}
	return SKErrorCodes.Lookup(err.Code).WithDebug(err.Description)
}
