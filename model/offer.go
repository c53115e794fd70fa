package model

import "github.com/google/uuid"

// Offer carries the signed promotional offer parameters for a subscription
// purchase.
type Offer struct {
	KeyIdentifier string
	Identifier    string
	Signature     string
	Timestamp     int64
	Nonce         string
}

// Valid reports whether every parameter is present. A partially filled offer
// is ignored rather than rejected.
func (o *Offer) Valid() bool {
	if o == nil {
		return false
	}
	if o.KeyIdentifier == "" || o.Identifier == "" || o.Signature == "" || o.Timestamp == 0 {
		return false
	}
	_, err := uuid.Parse(o.Nonce)
	return err == nil
}

// NonceUUID returns the parsed nonce. It must only be called on a valid offer.
func (o *Offer) NonceUUID() uuid.UUID {
	return uuid.MustParse(o.Nonce)
}
