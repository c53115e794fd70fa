package model

import "time"

type TransactionState uint8

const (
	TransactionStatePending TransactionState = iota
	TransactionStatePurchased
	TransactionStateRestored
	TransactionStateDeferred
	TransactionStateFailed
	TransactionStateFinished
)

func (s TransactionState) String() string {
	switch s {
	case TransactionStatePending:
		return "pending"
	case TransactionStatePurchased:
		return "purchased"
	case TransactionStateRestored:
		return "restored"
	case TransactionStateDeferred:
		return "deferred"
	case TransactionStateFailed:
		return "failed"
	case TransactionStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type Transaction struct {
	ProductID     string
	ProductIDs    []string
	TransactionID string
	State         TransactionState
	Date          time.Time

	// Proof of purchase. Android fills PurchaseToken, Signature and Receipt
	// (the original purchase JSON); iOS fills Receipt with the app receipt.
	PurchaseToken string
	Receipt       string
	Signature     string

	Quantity       int
	IsAcknowledged bool
	IsAutoRenewing bool
	PackageName    string

	OriginalTransactionID string
	OriginalDate          time.Time

	UserIdentifier    string
	ProfileIdentifier string
}

// TransactionRef identifies a transaction by exactly one of its transaction
// id or product id.
type TransactionRef struct {
	TransactionID string
	ProductID     string
}

// Matches reports whether tx is referenced by r.
func (r TransactionRef) Matches(tx *Transaction) bool {
	if r.TransactionID != "" {
		return tx.TransactionID == r.TransactionID
	}
	if r.ProductID == "" {
		return false
	}
	if tx.ProductID == r.ProductID {
		return true
	}
	for _, id := range tx.ProductIDs {
		if id == r.ProductID {
			return true
		}
	}
	return false
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}

	cloned := *t
	if t.ProductIDs != nil {
		cloned.ProductIDs = append([]string(nil), t.ProductIDs...)
	}
	return &cloned
}
