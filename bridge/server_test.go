package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/iap-bridge/bridge"
	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/iap/android"
	"github.com/code-payments/iap-bridge/iap/apple"
	"github.com/code-payments/iap-bridge/iap/memory"
	"github.com/code-payments/iap-bridge/model"
	"github.com/code-payments/iap-bridge/protoutil"
	"github.com/code-payments/iap-bridge/testutil"
)

type testEnv struct {
	client *bridge.Client
	level  zap.AtomicLevel
}

func newAndroidEnv(t *testing.T) (*testEnv, *memory.BillingClient) {
	billing := memory.NewBillingClient("com.example.app")
	bus := iap.NewBus()
	log := zap.Must(zap.NewDevelopment())

	coordinator := android.NewCoordinator(log, billing, bus, iap.NewMetrics(nil))
	return newEnv(t, log, coordinator, bus), billing
}

func newAppleEnv(t *testing.T) (*testEnv, *memory.StoreKit) {
	store := memory.NewStoreKit()
	bus := iap.NewBus()
	log := zap.Must(zap.NewDevelopment())

	coordinator := apple.NewCoordinator(log, store.Kit(), bus, iap.NewMetrics(nil), time.Minute)
	return newEnv(t, log, coordinator, bus), store
}

func newEnv(t *testing.T, log *zap.Logger, coordinator iap.Coordinator, bus *iap.Bus) *testEnv {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	handler := bridge.NewHandler(log, coordinator, level)
	server := bridge.NewServer(log, handler, bus, bridge.StreamConfig{PingDelay: time.Hour})

	cc := testutil.RunGRPCServer(t, testutil.WithService(func(s *grpc.Server) {
		bridge.RegisterBridgeServer(s, server)
	}))

	return &testEnv{client: bridge.NewClient(cc), level: level}
}

func (e *testEnv) invoke(t *testing.T, method string, args map[string]any) *structpb.Value {
	v, err := e.client.Invoke(context.Background(), method, args)
	require.NoError(t, err, method)
	return v
}

func (e *testEnv) invokeErr(t *testing.T, method string, args map[string]any) (codes.Code, *iap.Error) {
	_, err := e.client.Invoke(context.Background(), method, args)
	require.Error(t, err, method)
	return status.Code(err), bridge.ErrorFromStatus(err)
}

func putProduct(sim interface{ PutProduct(*model.Product) }, id string) {
	sim.PutProduct(&model.Product{
		ID:    id,
		Title: id,
		Price: model.Price{Amount: decimal.RequireFromString("1.99"), Currency: "USD"},
	})
}

// nextEvent returns the next non-ping frame.
func nextEvent(t *testing.T, stream grpc.ServerStreamingClient[structpb.Struct]) *structpb.Struct {
	for {
		frame, err := stream.Recv()
		require.NoError(t, err)
		if !bridge.IsPing(frame) {
			return frame
		}
	}
}

func TestBridge_AndroidPurchaseFlow(t *testing.T) {
	env, billing := newAndroidEnv(t)
	putProduct(billing, "coins")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := env.client.StreamEvents(ctx)
	require.NoError(t, err)

	// The first frame is always a ping.
	frame, err := stream.Recv()
	require.NoError(t, err)
	require.True(t, bridge.IsPing(frame))

	code, e := env.invokeErr(t, bridge.MethodGetProducts, map[string]any{"skus": []any{"coins"}})
	require.Equal(t, codes.FailedPrecondition, code)
	require.ErrorIs(t, e, iap.ErrServiceNotReady)

	require.True(t, env.invoke(t, bridge.MethodOpenConnection, nil).GetBoolValue())
	require.NoError(t, protoutil.StructEqualError(map[string]any{"connected": true}, nextEvent(t, stream).GetFields()["arguments"].GetStructValue()))

	products := env.invoke(t, bridge.MethodGetProducts, map[string]any{"skus": []any{"coins", "missing"}}).GetListValue().GetValues()
	require.Len(t, products, 1)
	product := products[0].GetStructValue().GetFields()
	require.Equal(t, "coins", product["sku"].GetStringValue())
	require.Equal(t, "1.99", product["price"].GetStringValue())
	require.Equal(t, "USD", product["currency"].GetStringValue())
	require.Equal(t, "one-time", product["type"].GetStringValue())

	cached := env.invoke(t, bridge.MethodGetCachedProducts, nil).GetListValue().GetValues()
	require.Len(t, cached, 1)

	v := env.invoke(t, bridge.MethodPurchase, map[string]any{"sku": "coins", "forUser": "account"})
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	require.True(t, isNull)
	require.NoError(t, billing.CompletePurchase("coins"))

	updated := nextEvent(t, stream).GetFields()
	require.Equal(t, "purchase-updated", updated["method"].GetStringValue())
	require.Equal(t, "google", updated["platform"].GetStringValue())
	tx := updated["arguments"].GetStructValue().GetFields()
	require.Equal(t, "coins", tx["sku"].GetStringValue())
	require.Equal(t, "purchased", tx["state"].GetStringValue())
	require.Equal(t, "account", tx["applicationUsername"].GetStringValue())
	require.NotEmpty(t, tx["purchaseToken"].GetStringValue())

	require.True(t, env.invoke(t, bridge.MethodFinishTransaction, map[string]any{"transactionIdentifier": tx["transactionId"].GetStringValue()}).GetBoolValue())
	require.Equal(t, 1, billing.Acknowledged(tx["purchaseToken"].GetStringValue()))

	token := env.invoke(t, bridge.MethodConsume, map[string]any{"token": tx["purchaseToken"].GetStringValue()}).GetStringValue()
	require.Equal(t, tx["purchaseToken"].GetStringValue(), token)

	code, e = env.invokeErr(t, bridge.MethodConsumeAllPending, nil)
	require.Equal(t, codes.NotFound, code)
	require.ErrorIs(t, e, iap.ErrNothingToConsume)

	require.NoError(t, billing.FailPurchase("coins", 0))
	failed := nextEvent(t, stream).GetFields()
	require.Equal(t, "purchase-error", failed["method"].GetStringValue())
	require.Equal(t, string(iap.CodeUserCancelled), failed["arguments"].GetStructValue().GetFields()["code"].GetStringValue())

	require.True(t, env.invoke(t, bridge.MethodCloseConnection, nil).GetBoolValue())
	closed := nextEvent(t, stream).GetFields()
	require.Equal(t, "connection-updated", closed["method"].GetStringValue())
	require.False(t, closed["arguments"].GetStructValue().GetFields()["connected"].GetBoolValue())
}

func TestBridge_ArgumentValidation(t *testing.T) {
	env, _ := newAndroidEnv(t)
	env.invoke(t, bridge.MethodOpenConnection, nil)

	for _, tc := range []struct {
		method string
		args   map[string]any
	}{
		{bridge.MethodFinishTransaction, map[string]any{"transactionIdentifier": "1", "sku": "coins"}},
		{bridge.MethodFinishTransaction, nil},
		{bridge.MethodPurchase, map[string]any{"quantity": 1}},
		{bridge.MethodGetProducts, map[string]any{"skus": "coins"}},
		{bridge.MethodConsume, nil},
		{bridge.MethodSetLogging, nil},
	} {
		code, e := env.invokeErr(t, tc.method, tc.args)
		require.Equal(t, codes.InvalidArgument, code, tc.method)
		require.ErrorIs(t, e, iap.ErrInvalidArgument, tc.method)
	}

	_, err := env.client.Invoke(context.Background(), "", nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	code, e := env.invokeErr(t, "buyItemByType", nil)
	require.Equal(t, codes.Unimplemented, code)
	require.ErrorIs(t, e, iap.ErrNotImplemented)
}

func TestBridge_Capabilities(t *testing.T) {
	androidEnv, _ := newAndroidEnv(t)
	code, _ := androidEnv.invokeErr(t, bridge.MethodRequestReceipt, nil)
	require.Equal(t, codes.Unimplemented, code)

	appleEnv, store := newAppleEnv(t)
	for _, method := range []string{bridge.MethodConsume, bridge.MethodConsumeAllPending, bridge.MethodUpdateSubscription} {
		code, e := appleEnv.invokeErr(t, method, map[string]any{"token": "t", "sku": "s", "purchaseToken": "p"})
		require.Equal(t, codes.Unimplemented, code, method)
		require.ErrorIs(t, e, iap.ErrNotImplemented, method)
	}

	appleEnv.invoke(t, bridge.MethodOpenConnection, nil)
	store.SetReceipt([]byte("receipt"), true, true)
	require.NotEmpty(t, appleEnv.invoke(t, bridge.MethodRequestReceipt, nil).GetStringValue())
	require.Empty(t, appleEnv.invoke(t, bridge.MethodGetPromotedProducts, nil).GetListValue().GetValues())
}

func TestBridge_AppleRestore(t *testing.T) {
	env, store := newAppleEnv(t)
	store.AddOwned("pro")
	env.invoke(t, bridge.MethodOpenConnection, nil)

	restored := env.invoke(t, bridge.MethodRestorePurchases, map[string]any{"forUser": "user"}).GetListValue().GetValues()
	require.Len(t, restored, 1)

	tx := restored[0].GetStructValue().GetFields()
	require.Equal(t, "pro", tx["sku"].GetStringValue())
	require.Equal(t, "restored", tx["state"].GetStringValue())
	require.NotEmpty(t, tx["originalTransactionId"].GetStringValue())
	require.NotEmpty(t, tx["receipt"].GetStringValue())
	require.Zero(t, store.Unfinished())
}

func TestBridge_SetLogging(t *testing.T) {
	env, _ := newAndroidEnv(t)

	require.True(t, env.invoke(t, bridge.MethodSetLogging, map[string]any{"enabled": true}).GetBoolValue())
	require.Equal(t, zapcore.DebugLevel, env.level.Level())

	require.True(t, env.invoke(t, bridge.MethodSetLogging, map[string]any{"enabled": false}).GetBoolValue())
	require.Equal(t, zapcore.InfoLevel, env.level.Level())
}

func TestBridge_Interceptors(t *testing.T) {
	billing := memory.NewBillingClient("com.example.app")
	bus := iap.NewBus()
	log := zap.Must(zap.NewDevelopment())

	coordinator := android.NewCoordinator(log, billing, bus, iap.NewMetrics(nil))
	handler := bridge.NewHandler(log, coordinator, zap.NewAtomicLevel())
	server := bridge.NewServer(log, handler, bus, bridge.StreamConfig{})

	var seen []string
	cc := testutil.RunGRPCServer(t,
		testutil.WithService(func(s *grpc.Server) {
			bridge.RegisterBridgeServer(s, server)
		}),
		testutil.WithUnaryServerInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
			seen = append(seen, info.FullMethod)
			return next(ctx, req)
		}),
	)

	_, err := bridge.NewClient(cc).Invoke(context.Background(), bridge.MethodOpenConnection, nil)
	require.NoError(t, err)
	require.Equal(t, []string{bridge.InvokeFullMethod}, seen)
}
