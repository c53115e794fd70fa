package bridge

import (
	"github.com/mitchellh/mapstructure"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/model"
)

type validator interface {
	Validate() error
}

// decodeArgs decodes the raw method arguments into args and validates them.
// Decoding and validation failures are reported as invalid arguments.
func decodeArgs(raw map[string]any, args validator) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  args,
		TagName: "mapstructure",
	})
	if err != nil {
		return iap.ErrUnknown.WithCause(err)
	}

	if err := decoder.Decode(raw); err != nil {
		return iap.InvalidArgument("malformed arguments: %v", err)
	}

	return args.Validate()
}

type getProductsArgs struct {
	Skus []string `mapstructure:"skus"`
}

func (a *getProductsArgs) Validate() error {
	if len(a.Skus) == 0 {
		return iap.InvalidArgument("skus must not be empty")
	}
	for _, sku := range a.Skus {
		if sku == "" {
			return iap.InvalidArgument("skus must not contain empty values")
		}
	}
	return nil
}

type offerArgs struct {
	KeyIdentifier string `mapstructure:"keyIdentifier"`
	Identifier    string `mapstructure:"identifier"`
	Signature     string `mapstructure:"signature"`
	Timestamp     int64  `mapstructure:"timestamp"`
	Nonce         string `mapstructure:"nonce"`
}

type purchaseArgs struct {
	Sku       string     `mapstructure:"sku"`
	Quantity  int        `mapstructure:"quantity"`
	ForUser   string     `mapstructure:"forUser"`
	ProfileID string     `mapstructure:"profileId"`
	WithOffer *offerArgs `mapstructure:"withOffer"`
}

func (a *purchaseArgs) Validate() error {
	if a.Sku == "" {
		return iap.InvalidArgument("sku is required")
	}
	if a.Quantity < 0 {
		return iap.InvalidArgument("quantity must not be negative")
	}
	return nil
}

func (a *purchaseArgs) request() *iap.PurchaseRequest {
	req := &iap.PurchaseRequest{
		ProductID:         a.Sku,
		Quantity:          a.Quantity,
		UserIdentifier:    a.ForUser,
		ProfileIdentifier: a.ProfileID,
	}
	if o := a.WithOffer; o != nil {
		req.Offer = &model.Offer{
			KeyIdentifier: o.KeyIdentifier,
			Identifier:    o.Identifier,
			Signature:     o.Signature,
			Timestamp:     o.Timestamp,
			Nonce:         o.Nonce,
		}
	}
	return req
}

type finishTransactionArgs struct {
	TransactionIdentifier string `mapstructure:"transactionIdentifier"`
	Sku                   string `mapstructure:"sku"`
}

// Validate requires exactly one of the transaction identifier and the sku.
func (a *finishTransactionArgs) Validate() error {
	if (a.TransactionIdentifier == "") == (a.Sku == "") {
		return iap.InvalidArgument("exactly one of transactionIdentifier and sku is required")
	}
	return nil
}

func (a *finishTransactionArgs) ref() model.TransactionRef {
	return model.TransactionRef{TransactionID: a.TransactionIdentifier, ProductID: a.Sku}
}

type restorePurchasesArgs struct {
	ForUser string `mapstructure:"forUser"`
}

func (a *restorePurchasesArgs) Validate() error {
	return nil
}

type consumeArgs struct {
	Token string `mapstructure:"token"`
}

func (a *consumeArgs) Validate() error {
	if a.Token == "" {
		return iap.InvalidArgument("token is required")
	}
	return nil
}

type setLoggingArgs struct {
	Enabled *bool `mapstructure:"enabled"`
}

func (a *setLoggingArgs) Validate() error {
	if a.Enabled == nil {
		return iap.InvalidArgument("enabled is required")
	}
	return nil
}

type updateSubscriptionArgs struct {
	Sku           string `mapstructure:"sku"`
	PurchaseToken string `mapstructure:"purchaseToken"`
	ProrationMode int    `mapstructure:"prorationMode"`
	ForUser       string `mapstructure:"forUser"`
	ProfileID     string `mapstructure:"profileId"`
}

func (a *updateSubscriptionArgs) Validate() error {
	if a.Sku == "" {
		return iap.InvalidArgument("sku is required")
	}
	if a.PurchaseToken == "" {
		return iap.InvalidArgument("purchaseToken is required")
	}
	return nil
}

func (a *updateSubscriptionArgs) update() *iap.SubscriptionUpdate {
	return &iap.SubscriptionUpdate{
		ProductID:         a.Sku,
		OldPurchaseToken:  a.PurchaseToken,
		ProrationMode:     a.ProrationMode,
		UserIdentifier:    a.ForUser,
		ProfileIdentifier: a.ProfileID,
	}
}
