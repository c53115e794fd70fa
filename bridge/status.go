package bridge

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/iap-bridge/iap"
)

var kindCodes = map[iap.Kind]codes.Code{
	iap.KindServiceNotReady:          codes.FailedPrecondition,
	iap.KindServiceUnavailable:       codes.Unavailable,
	iap.KindProductNotFound:          codes.NotFound,
	iap.KindInvalidArgument:          codes.InvalidArgument,
	iap.KindRequestAlreadyInProgress: codes.Aborted,
	iap.KindFinishNotAllowed:         codes.FailedPrecondition,
	iap.KindNothingToConsume:         codes.NotFound,
	iap.KindUserCancelled:            codes.Canceled,
	iap.KindAlreadyOwned:             codes.AlreadyExists,
	iap.KindNotImplemented:           codes.Unimplemented,
	iap.KindVendor:                   codes.Internal,
	iap.KindUnknown:                  codes.Unknown,
}

// toStatus converts err into a gRPC status error whose details carry the
// normalized error as a Struct.
func toStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	e := iap.AsError(err)

	code, ok := kindCodes[e.Kind]
	if !ok {
		code = codes.Unknown
	}

	st := status.New(code, e.Message)

	details, detailsErr := structpb.NewStruct(encodeError(e))
	if detailsErr != nil {
		return st.Err()
	}
	if withDetails, detailsErr := st.WithDetails(details); detailsErr == nil {
		st = withDetails
	}
	return st.Err()
}

// ErrorFromStatus recovers the normalized error carried by a status returned
// from Invoke. It returns nil when err carries no error details.
func ErrorFromStatus(err error) *iap.Error {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}

	for _, detail := range st.Details() {
		s, ok := detail.(*structpb.Struct)
		if !ok {
			continue
		}

		fields := s.GetFields()
		code := iap.Code(fields["code"].GetStringValue())
		e := &iap.Error{
			Kind:         kindOf(st.Code(), code),
			Code:         code,
			Message:      fields["message"].GetStringValue(),
			DebugMessage: fields["debugMessage"].GetStringValue(),
			ProductID:    fields["productId"].GetStringValue(),
		}
		if v, ok := fields["responseCode"]; ok {
			vendorCode := int(v.GetNumberValue())
			e.VendorCode = &vendorCode
		}
		return e
	}

	return nil
}

var sentinels = []*iap.Error{
	iap.ErrServiceNotReady,
	iap.ErrProductNotFound,
	iap.ErrFinishNotAllowed,
	iap.ErrNothingToConsume,
	iap.ErrUserCancelled,
	iap.ErrAlreadyOwned,
	iap.ErrNotImplemented,
	iap.ErrRequestAlreadyInProgress,
}

// kindOf recovers the error kind from the error code when it names a
// sentinel, and from the status code otherwise.
func kindOf(code codes.Code, errCode iap.Code) iap.Kind {
	for _, sentinel := range sentinels {
		if sentinel.Code == errCode {
			return sentinel.Kind
		}
	}

	switch code {
	case codes.Unavailable:
		return iap.KindServiceUnavailable
	case codes.InvalidArgument:
		return iap.KindInvalidArgument
	case codes.Aborted:
		return iap.KindRequestAlreadyInProgress
	case codes.Canceled:
		return iap.KindUserCancelled
	case codes.AlreadyExists:
		return iap.KindAlreadyOwned
	case codes.Unimplemented:
		return iap.KindNotImplemented
	case codes.Internal:
		return iap.KindVendor
	default:
		return iap.KindUnknown
	}
}
