package bridge

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/code-payments/iap-bridge/iap"
)

const (
	MethodOpenConnection         = "openConnection"
	MethodCloseConnection        = "closeConnection"
	MethodGetProducts            = "getProducts"
	MethodGetCachedProducts      = "getCachedProducts"
	MethodPurchase               = "purchase"
	MethodFinishTransaction      = "finishTransaction"
	MethodFinishAllCompleted     = "finishAllCompleted"
	MethodRestorePurchases       = "restorePurchases"
	MethodConsume                = "consume"
	MethodConsumeAllPending      = "consumeAllPending"
	MethodSetLogging             = "setLogging"
	MethodGetPendingTransactions = "getPendingTransactions"
	MethodGetPromotedProducts    = "getPromotedProducts"
	MethodRequestReceipt         = "requestReceipt"
	MethodUpdateSubscription     = "updateSubscription"
)

type method func(ctx context.Context, raw map[string]any) (any, error)

// Handler decodes method calls, dispatches them to the coordinator and returns
// plain Go results for encoding.
type Handler struct {
	log         *zap.Logger
	coordinator iap.Coordinator
	level       zap.AtomicLevel

	methods map[string]method
}

// NewHandler creates a handler for coordinator. setLogging adjusts level.
func NewHandler(log *zap.Logger, coordinator iap.Coordinator, level zap.AtomicLevel) *Handler {
	h := &Handler{
		log:         log.With(zap.String("platform", coordinator.Platform().String())),
		coordinator: coordinator,
		level:       level,
	}

	h.methods = map[string]method{
		MethodOpenConnection:         h.openConnection,
		MethodCloseConnection:        h.closeConnection,
		MethodGetProducts:            h.getProducts,
		MethodGetCachedProducts:      h.getCachedProducts,
		MethodPurchase:               h.purchase,
		MethodFinishTransaction:      h.finishTransaction,
		MethodFinishAllCompleted:     h.finishAllCompleted,
		MethodRestorePurchases:       h.restorePurchases,
		MethodConsume:                h.consume,
		MethodConsumeAllPending:      h.consumeAllPending,
		MethodSetLogging:             h.setLogging,
		MethodGetPendingTransactions: h.getPendingTransactions,
		MethodGetPromotedProducts:    h.getPromotedProducts,
		MethodRequestReceipt:         h.requestReceipt,
		MethodUpdateSubscription:     h.updateSubscription,
	}

	return h
}

// Methods returns the supported method names in sorted order.
func (h *Handler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a single method call. Unknown methods fail with
// iap.ErrNotImplemented.
func (h *Handler) Invoke(ctx context.Context, name string, raw map[string]any) (any, error) {
	m, ok := h.methods[name]
	if !ok {
		return nil, iap.ErrNotImplemented.WithDebug("unknown method " + name)
	}

	if ce := h.log.Check(zap.DebugLevel, "Handling method call"); ce != nil {
		ce.Write(zap.String("method", name), zap.Any("arguments", raw))
	}

	return m(ctx, raw)
}

func (h *Handler) openConnection(ctx context.Context, _ map[string]any) (any, error) {
	return h.coordinator.OpenConnection(ctx)
}

func (h *Handler) closeConnection(ctx context.Context, _ map[string]any) (any, error) {
	if err := h.coordinator.CloseConnection(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) getProducts(ctx context.Context, raw map[string]any) (any, error) {
	var args getProductsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return h.coordinator.GetProducts(ctx, args.Skus)
}

func (h *Handler) getCachedProducts(ctx context.Context, _ map[string]any) (any, error) {
	return h.coordinator.GetCachedProducts(ctx)
}

func (h *Handler) purchase(ctx context.Context, raw map[string]any) (any, error) {
	var args purchaseArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return nil, h.coordinator.Purchase(ctx, args.request())
}

func (h *Handler) finishTransaction(ctx context.Context, raw map[string]any) (any, error) {
	var args finishTransactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := h.coordinator.FinishTransaction(ctx, args.ref()); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) finishAllCompleted(ctx context.Context, _ map[string]any) (any, error) {
	if err := h.coordinator.FinishAllCompleted(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handler) restorePurchases(ctx context.Context, raw map[string]any) (any, error) {
	var args restorePurchasesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return h.coordinator.RestorePurchases(ctx, args.ForUser)
}

func (h *Handler) consume(ctx context.Context, raw map[string]any) (any, error) {
	consumer, ok := h.coordinator.(iap.Consumer)
	if !ok {
		return nil, iap.ErrNotImplemented
	}

	var args consumeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return consumer.Consume(ctx, args.Token)
}

func (h *Handler) consumeAllPending(ctx context.Context, _ map[string]any) (any, error) {
	consumer, ok := h.coordinator.(iap.Consumer)
	if !ok {
		return nil, iap.ErrNotImplemented
	}
	return consumer.ConsumeAllPending(ctx)
}

func (h *Handler) setLogging(_ context.Context, raw map[string]any) (any, error) {
	var args setLoggingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if *args.Enabled {
		level = zapcore.DebugLevel
	}
	h.level.SetLevel(level)
	h.log.Info("Logging level changed", zap.Stringer("level", level))

	return true, nil
}

func (h *Handler) getPendingTransactions(ctx context.Context, _ map[string]any) (any, error) {
	return h.coordinator.GetPendingTransactions(ctx)
}

func (h *Handler) getPromotedProducts(ctx context.Context, _ map[string]any) (any, error) {
	return h.coordinator.GetPromotedProducts(ctx)
}

func (h *Handler) requestReceipt(ctx context.Context, _ map[string]any) (any, error) {
	requester, ok := h.coordinator.(iap.ReceiptRequester)
	if !ok {
		return nil, iap.ErrNotImplemented
	}
	return requester.RequestReceipt(ctx)
}

func (h *Handler) updateSubscription(ctx context.Context, raw map[string]any) (any, error) {
	updater, ok := h.coordinator.(iap.SubscriptionUpdater)
	if !ok {
		return nil, iap.ErrNotImplemented
	}

	var args updateSubscriptionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return nil, updater.UpdateSubscription(ctx, args.update())
}
