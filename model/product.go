package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

type ProductType uint8

const (
	ProductTypeOneTime ProductType = iota
	ProductTypeSubscription
)

func (t ProductType) String() string {
	if t == ProductTypeSubscription {
		return "subscription"
	}
	return "one-time"
}

// Price is a vendor supplied amount. Formatting for display is left to the
// application layer.
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

// PriceFromMicros converts the micro-unit amounts reported by Play Billing.
func PriceFromMicros(micros int64, currencyCode string) Price {
	return Price{
		Amount:   decimal.New(micros, -6),
		Currency: currencyCode,
	}
}

// Validate checks that the currency is a known ISO 4217 code.
func (p Price) Validate() error {
	if p.Currency == "" {
		return errors.New("missing currency")
	}
	unit, err := currency.ParseISO(p.Currency)
	if err != nil {
		return fmt.Errorf("invalid currency %q: %w", p.Currency, err)
	}
	if unit == currency.XXX {
		return errors.New("price has no currency")
	}
	if p.Amount.IsNegative() {
		return errors.New("negative amount")
	}
	return nil
}

type PeriodUnit uint8

const (
	PeriodUnitDay PeriodUnit = iota
	PeriodUnitWeek
	PeriodUnitMonth
	PeriodUnitYear
)

var periodDesignators = map[PeriodUnit]byte{
	PeriodUnitDay:   'D',
	PeriodUnitWeek:  'W',
	PeriodUnitMonth: 'M',
	PeriodUnitYear:  'Y',
}

type Period struct {
	Unit  PeriodUnit
	Count int
}

// ParsePeriod parses single-unit ISO 8601 durations such as "P1M" or "P3D",
// which is the form Play Billing uses for subscription and trial periods.
func ParsePeriod(s string) (*Period, error) {
	if len(s) < 3 || s[0] != 'P' {
		return nil, fmt.Errorf("invalid period %q", s)
	}

	count, err := strconv.Atoi(s[1 : len(s)-1])
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("invalid period count in %q", s)
	}

	designator := s[len(s)-1]
	for unit, d := range periodDesignators {
		if d == designator {
			return &Period{Unit: unit, Count: count}, nil
		}
	}

	return nil, fmt.Errorf("invalid period unit in %q", s)
}

func (p Period) String() string {
	return fmt.Sprintf("P%d%c", p.Count, periodDesignators[p.Unit])
}

// Discount describes an introductory or promotional price.
type Discount struct {
	Identifier  string
	Price       Price
	Period      Period
	Cycles      int
	PaymentMode string
}

type Product struct {
	ID          string
	Title       string
	Description string
	Type        ProductType
	Price       Price

	IntroductoryOffer  *Discount
	SubscriptionPeriod *Period

	Discounts           []Discount
	SubscriptionGroupID string
	FreeTrialPeriod     string
	IconURL             string
}

func (p *Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("missing product id")
	}
	if err := p.Price.Validate(); err != nil {
		return fmt.Errorf("product %s: %w", p.ID, err)
	}
	if p.Type == ProductTypeSubscription && p.SubscriptionPeriod == nil {
		return fmt.Errorf("product %s: subscription without period", p.ID)
	}
	return nil
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}

	cloned := *p
	if p.IntroductoryOffer != nil {
		offer := *p.IntroductoryOffer
		cloned.IntroductoryOffer = &offer
	}
	if p.SubscriptionPeriod != nil {
		period := *p.SubscriptionPeriod
		cloned.SubscriptionPeriod = &period
	}
	if p.Discounts != nil {
		cloned.Discounts = append([]Discount(nil), p.Discounts...)
	}
	return &cloned
}
