package android

import (
	"fmt"
	"time"

	"github.com/code-payments/iap-bridge/model"
)

func toProduct(d *ProductDetails) (*model.Product, error) {
	p := &model.Product{
		ID:              d.ProductID,
		Title:           d.Title,
		Description:     d.Description,
		Type:            model.ProductTypeOneTime,
		Price:           model.PriceFromMicros(d.PriceAmountMicros, d.PriceCurrencyCode),
		FreeTrialPeriod: d.FreeTrialPeriod,
		IconURL:         d.IconURL,
	}

	if d.Type == ProductTypeSubs {
		p.Type = model.ProductTypeSubscription

		period, err := model.ParsePeriod(d.SubscriptionPeriod)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", d.ProductID, err)
		}
		p.SubscriptionPeriod = period
	}

	if d.IntroductoryPriceAmountMicros > 0 || d.IntroductoryPricePeriod != "" {
		intro := &model.Discount{
			Price:       model.PriceFromMicros(d.IntroductoryPriceAmountMicros, d.PriceCurrencyCode),
			Cycles:      d.IntroductoryPriceCycles,
			PaymentMode: "payAsYouGo",
		}
		if d.IntroductoryPricePeriod != "" {
			period, err := model.ParsePeriod(d.IntroductoryPricePeriod)
			if err != nil {
				return nil, fmt.Errorf("product %s: introductory price: %w", d.ProductID, err)
			}
			intro.Period = *period
		}
		p.IntroductoryOffer = intro
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func toTransaction(p *Purchase) *model.Transaction {
	tx := &model.Transaction{
		ProductIDs:     append([]string(nil), p.Products...),
		TransactionID:  p.OrderID,
		Date:           time.UnixMilli(p.PurchaseTime),
		PurchaseToken:  p.PurchaseToken,
		Receipt:        p.OriginalJSON,
		Signature:      p.Signature,
		Quantity:       p.Quantity,
		IsAcknowledged: p.IsAcknowledged,
		IsAutoRenewing: p.IsAutoRenewing,
		PackageName:    p.PackageName,
	}

	if len(p.Products) > 0 {
		tx.ProductID = p.Products[0]
	}
	if tx.Quantity == 0 {
		tx.Quantity = 1
	}

	switch p.State {
	case PurchaseStatePending:
		tx.State = model.TransactionStatePending
	default:
		tx.State = model.TransactionStatePurchased
	}

	if ids := p.AccountIdentifiers; ids != nil {
		tx.UserIdentifier = ids.ObfuscatedAccountID
		tx.ProfileIdentifier = ids.ObfuscatedProfileID
	}

	return tx
}
