package bridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/code-payments/iap-bridge/iap"
)

func TestToStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{iap.ErrServiceNotReady, codes.FailedPrecondition},
		{iap.ErrServiceUnavailable, codes.Unavailable},
		{iap.ErrProductNotFound.WithProduct("coins"), codes.NotFound},
		{iap.InvalidArgument("bad"), codes.InvalidArgument},
		{iap.ErrRequestAlreadyInProgress, codes.Aborted},
		{iap.ErrFinishNotAllowed, codes.FailedPrecondition},
		{iap.ErrNothingToConsume, codes.NotFound},
		{iap.ErrUserCancelled, codes.Canceled},
		{iap.ErrAlreadyOwned, codes.AlreadyExists},
		{iap.ErrNotImplemented, codes.Unimplemented},
		{iap.NewError(iap.KindVendor, "E_DEVELOPER_ERROR", "Invalid arguments."), codes.Internal},
		{fmt.Errorf("boom"), codes.Unknown},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	} {
		require.Equal(t, tc.code, status.Code(toStatus(tc.err)), "%v", tc.err)
	}
}

func TestErrorFromStatus(t *testing.T) {
	vendorCode := 7
	original := &iap.Error{
		Kind:         iap.KindAlreadyOwned,
		Code:         iap.CodeAlreadyOwned,
		Message:      "already owned",
		DebugMessage: "item owned",
		ProductID:    "coins",
		VendorCode:   &vendorCode,
	}

	decoded := ErrorFromStatus(toStatus(original))
	require.NotNil(t, decoded)
	require.ErrorIs(t, decoded, iap.ErrAlreadyOwned)
	require.Equal(t, original.Code, decoded.Code)
	require.Equal(t, original.Message, decoded.Message)
	require.Equal(t, original.DebugMessage, decoded.DebugMessage)
	require.Equal(t, original.ProductID, decoded.ProductID)
	require.Equal(t, 7, *decoded.VendorCode)

	notReady := ErrorFromStatus(toStatus(iap.ErrServiceNotReady))
	require.ErrorIs(t, notReady, iap.ErrServiceNotReady)
	require.Nil(t, notReady.VendorCode)

	require.Nil(t, ErrorFromStatus(status.Error(codes.Internal, "no details")))
	require.Nil(t, ErrorFromStatus(fmt.Errorf("not a status")))
}
