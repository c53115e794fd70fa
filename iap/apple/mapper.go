package apple

import (
	"github.com/code-payments/iap-bridge/model"
)

var periodUnits = map[PeriodUnit]model.PeriodUnit{
	PeriodUnitDay:   model.PeriodUnitDay,
	PeriodUnitWeek:  model.PeriodUnitWeek,
	PeriodUnitMonth: model.PeriodUnitMonth,
	PeriodUnitYear:  model.PeriodUnitYear,
}

func (m PaymentMode) String() string {
	switch m {
	case PaymentModePayUpFront:
		return "payUpFront"
	case PaymentModeFreeTrial:
		return "freeTrial"
	default:
		return "payAsYouGo"
	}
}

func toPeriod(p SubscriptionPeriod) model.Period {
	return model.Period{Unit: periodUnits[p.Unit], Count: p.NumberOfUnits}
}

func toDiscount(d *ProductDiscount, fallbackCurrency string) model.Discount {
	currency := d.CurrencyCode
	if currency == "" {
		currency = fallbackCurrency
	}

	return model.Discount{
		Identifier:  d.Identifier,
		Price:       model.Price{Amount: d.Price, Currency: currency},
		Period:      toPeriod(d.SubscriptionPeriod),
		Cycles:      d.NumberOfPeriods,
		PaymentMode: d.PaymentMode.String(),
	}
}

func toProduct(p *Product) (*model.Product, error) {
	product := &model.Product{
		ID:                  p.ProductIdentifier,
		Title:               p.LocalizedTitle,
		Description:         p.LocalizedDescription,
		Type:                model.ProductTypeOneTime,
		Price:               model.Price{Amount: p.Price, Currency: p.CurrencyCode},
		SubscriptionGroupID: p.SubscriptionGroupIdentifier,
	}

	if p.SubscriptionPeriod != nil {
		period := toPeriod(*p.SubscriptionPeriod)
		product.Type = model.ProductTypeSubscription
		product.SubscriptionPeriod = &period
	}

	if p.IntroductoryPrice != nil {
		intro := toDiscount(p.IntroductoryPrice, p.CurrencyCode)
		product.IntroductoryOffer = &intro
		if p.IntroductoryPrice.PaymentMode == PaymentModeFreeTrial {
			product.FreeTrialPeriod = intro.Period.String()
		}
	}

	for i := range p.Discounts {
		product.Discounts = append(product.Discounts, toDiscount(&p.Discounts[i], p.CurrencyCode))
	}

	if err := product.Validate(); err != nil {
		return nil, err
	}
	return product, nil
}

func toState(s TransactionState) model.TransactionState {
	switch s {
	case TransactionStatePurchased:
		return model.TransactionStatePurchased
	case TransactionStateFailed:
		return model.TransactionStateFailed
	case TransactionStateRestored:
		return model.TransactionStateRestored
	case TransactionStateDeferred:
		return model.TransactionStateDeferred
	default:
		return model.TransactionStatePending
	}
}

func toTransaction(tx *Transaction, receipt string) *model.Transaction {
	converted := &model.Transaction{
		ProductID:      tx.Payment.ProductIdentifier,
		TransactionID:  tx.Identifier,
		State:          toState(tx.State),
		Date:           tx.Date,
		Receipt:        receipt,
		Quantity:       tx.Payment.Quantity,
		UserIdentifier: tx.Payment.ApplicationUsername,
	}

	if converted.Quantity == 0 {
		converted.Quantity = 1
	}

	if tx.Original != nil {
		converted.OriginalTransactionID = tx.Original.Identifier
		converted.OriginalDate = tx.Original.Date
	}

	return converted
}
