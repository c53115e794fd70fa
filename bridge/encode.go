package bridge

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
)

const methodPing = "ping"

// encodeResult converts a handler result into a protobuf value.
func encodeResult(result any) (*structpb.Value, error) {
	switch v := result.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(v), nil
	case string:
		return structpb.NewStringValue(v), nil
	case []string:
		values := make([]any, 0, len(v))
		for _, s := range v {
			values = append(values, s)
		}
		return structpb.NewValue(values)
	case []*model.Product:
		values := make([]any, 0, len(v))
		for _, p := range v {
			values = append(values, encodeProduct(p))
		}
		return structpb.NewValue(values)
	case []*model.Transaction:
		values := make([]any, 0, len(v))
		for _, tx := range v {
			values = append(values, encodeTransaction(tx))
		}
		return structpb.NewValue(values)
	default:
		return nil, fmt.Errorf("unsupported result type %T", result)
	}
}

func encodePeriod(p model.Period) string {
	return p.String()
}

func encodeDiscount(d *model.Discount) map[string]any {
	return map[string]any{
		"identifier":  d.Identifier,
		"price":       d.Price.Amount.String(),
		"currency":    d.Price.Currency,
		"period":      encodePeriod(d.Period),
		"cycles":      d.Cycles,
		"paymentMode": d.PaymentMode,
	}
}

func encodeProduct(p *model.Product) map[string]any {
	m := map[string]any{
		"sku":         p.ID,
		"title":       p.Title,
		"description": p.Description,
		"type":        p.Type.String(),
		"price":       p.Price.Amount.String(),
		"currency":    p.Price.Currency,
	}

	if p.SubscriptionPeriod != nil {
		m["subscriptionPeriod"] = encodePeriod(*p.SubscriptionPeriod)
	}
	if p.IntroductoryOffer != nil {
		m["introductoryOffer"] = encodeDiscount(p.IntroductoryOffer)
	}
	if len(p.Discounts) > 0 {
		discounts := make([]any, 0, len(p.Discounts))
		for i := range p.Discounts {
			discounts = append(discounts, encodeDiscount(&p.Discounts[i]))
		}
		m["discounts"] = discounts
	}
	if p.SubscriptionGroupID != "" {
		m["subscriptionGroupId"] = p.SubscriptionGroupID
	}
	if p.FreeTrialPeriod != "" {
		m["freeTrialPeriod"] = p.FreeTrialPeriod
	}
	if p.IconURL != "" {
		m["iconUrl"] = p.IconURL
	}

	return m
}

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func encodeTransaction(tx *model.Transaction) map[string]any {
	m := map[string]any{
		"sku":            tx.ProductID,
		"transactionId":  tx.TransactionID,
		"state":          tx.State.String(),
		"date":           encodeTime(tx.Date),
		"quantity":       tx.Quantity,
		"receipt":        tx.Receipt,
		"isAcknowledged": tx.IsAcknowledged,
		"autoRenewing":   tx.IsAutoRenewing,
	}

	if len(tx.ProductIDs) > 0 {
		skus := make([]any, 0, len(tx.ProductIDs))
		for _, id := range tx.ProductIDs {
			skus = append(skus, id)
		}
		m["skus"] = skus
	}
	if tx.PurchaseToken != "" {
		m["purchaseToken"] = tx.PurchaseToken
	}
	if tx.Signature != "" {
		m["signature"] = tx.Signature
	}
	if tx.PackageName != "" {
		m["packageName"] = tx.PackageName
	}
	if tx.OriginalTransactionID != "" {
		m["originalTransactionId"] = tx.OriginalTransactionID
		m["originalTransactionDate"] = encodeTime(tx.OriginalDate)
	}
	if tx.UserIdentifier != "" {
		m["applicationUsername"] = tx.UserIdentifier
	}
	if tx.ProfileIdentifier != "" {
		m["profileId"] = tx.ProfileIdentifier
	}

	return m
}

func encodeError(e *iap.Error) map[string]any {
	m := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.DebugMessage != "" {
		m["debugMessage"] = e.DebugMessage
	}
	if e.ProductID != "" {
		m["productId"] = e.ProductID
	}
	if e.VendorCode != nil {
		m["responseCode"] = *e.VendorCode
	}
	return m
}

// encodeEvent converts an outbound event into a {method, arguments} frame.
func encodeEvent(e *iap.Event) (*structpb.Struct, error) {
	var args map[string]any
	switch e.Kind {
	case iap.EventConnectionUpdated:
		args = map[string]any{"connected": e.Connected}
	case iap.EventPurchaseUpdated:
		args = encodeTransaction(e.Transaction)
	case iap.EventPurchaseError:
		args = encodeError(e.Error)
	case iap.EventPromotedProduct:
		args = encodeProduct(e.Product)
	default:
		return nil, fmt.Errorf("unsupported event kind %d", e.Kind)
	}

	return structpb.NewStruct(map[string]any{
		"method":    e.Kind.Name(),
		"platform":  e.Platform.String(),
		"timestamp": e.Timestamp.UnixMilli(),
		"arguments": args,
	})
}

func encodePing(now time.Time, delay time.Duration) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"method":    structpb.NewStringValue(methodPing),
		"timestamp": structpb.NewNumberValue(float64(now.UnixMilli())),
		"pingDelay": structpb.NewNumberValue(float64(delay.Milliseconds())),
	}}
}
