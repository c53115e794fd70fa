package bridge

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
	"github.com/code-payments/iap-bridge/protoutil"
)

func TestEncodeProduct_Subscription(t *testing.T) {
	monthly := model.Period{Unit: model.PeriodUnitMonth, Count: 1}
	p := &model.Product{
		ID:                 "pro",
		Title:              "Pro",
		Type:               model.ProductTypeSubscription,
		Price:              model.PriceFromMicros(4_990_000, "EUR"),
		SubscriptionPeriod: &monthly,
		IntroductoryOffer: &model.Discount{
			Price:       model.Price{Amount: decimal.Zero, Currency: "EUR"},
			Period:      model.Period{Unit: model.PeriodUnitWeek, Count: 1},
			Cycles:      1,
			PaymentMode: "free-trial",
		},
		Discounts: []model.Discount{{
			Identifier:  "winback",
			Price:       model.Price{Amount: decimal.RequireFromString("1.99"), Currency: "EUR"},
			Period:      monthly,
			Cycles:      3,
			PaymentMode: "pay-as-you-go",
		}},
		SubscriptionGroupID: "group",
	}

	v, err := encodeResult([]*model.Product{p})
	require.NoError(t, err)
	require.Len(t, v.GetListValue().GetValues(), 1)

	require.NoError(t, protoutil.StructEqualError(map[string]any{
		"sku":                "pro",
		"title":              "Pro",
		"description":        "",
		"type":               "subscription",
		"price":              "4.99",
		"currency":           "EUR",
		"subscriptionPeriod": "P1M",
		"introductoryOffer": map[string]any{
			"identifier":  "",
			"price":       "0",
			"currency":    "EUR",
			"period":      "P1W",
			"cycles":      1,
			"paymentMode": "free-trial",
		},
		"discounts": []any{
			map[string]any{
				"identifier":  "winback",
				"price":       "1.99",
				"currency":    "EUR",
				"period":      "P1M",
				"cycles":      3,
				"paymentMode": "pay-as-you-go",
			},
		},
		"subscriptionGroupId": "group",
	}, v.GetListValue().GetValues()[0].GetStructValue()))
}

func TestEncodeEvent(t *testing.T) {
	date := time.UnixMilli(1_700_000_000_000)

	frame, err := encodeEvent(iap.PurchaseUpdatedEvent(model.PlatformGoogle, &model.Transaction{
		ProductID:     "coins",
		ProductIDs:    []string{"coins", "gems"},
		TransactionID: "GPA.1",
		State:         model.TransactionStatePurchased,
		Date:          date,
		Quantity:      2,
		PurchaseToken: "token",
	}))
	require.NoError(t, err)
	require.Equal(t, "purchase-updated", frame.GetFields()["method"].GetStringValue())
	require.Equal(t, "google", frame.GetFields()["platform"].GetStringValue())

	require.NoError(t, protoutil.StructEqualError(map[string]any{
		"sku":            "coins",
		"skus":           []any{"coins", "gems"},
		"transactionId":  "GPA.1",
		"state":          "purchased",
		"date":           date.UnixMilli(),
		"quantity":       2,
		"receipt":        "",
		"isAcknowledged": false,
		"autoRenewing":   false,
		"purchaseToken":  "token",
	}, frame.GetFields()["arguments"].GetStructValue()))

	frame, err = encodeEvent(iap.PurchaseErrorEvent(model.PlatformApple, iap.ErrProductNotFound.WithProduct("gems").WithDebug("missing")))
	require.NoError(t, err)
	require.NoError(t, protoutil.StructEqualError(map[string]any{
		"code":         string(iap.CodeProductNotFound),
		"message":      iap.ErrProductNotFound.Message,
		"debugMessage": "missing",
		"productId":    "gems",
	}, frame.GetFields()["arguments"].GetStructValue()))

	_, err = encodeEvent(&iap.Event{Kind: iap.EventKind(99)})
	require.Error(t, err)
}

func TestEncodePing(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	frame := encodePing(now, 5*time.Second)

	require.True(t, IsPing(frame))
	require.EqualValues(t, now.UnixMilli(), frame.GetFields()["timestamp"].GetNumberValue())
	require.EqualValues(t, 5000, frame.GetFields()["pingDelay"].GetNumberValue())
}
