package iap

import (
	"time"

	"github.com/code-payments/iap-bridge/event"
	"github.com/code-payments/iap-bridge/model"
)

type EventKind uint8

const (
	EventConnectionUpdated EventKind = iota
	EventPurchaseUpdated
	EventPurchaseError
	EventPromotedProduct
)

// Name returns the outbound method name of the event.
func (k EventKind) Name() string {
	switch k {
	case EventConnectionUpdated:
		return "connection-updated"
	case EventPurchaseUpdated:
		return "purchase-updated"
	case EventPurchaseError:
		return "purchase-error"
	case EventPromotedProduct:
		return "promoted-product"
	default:
		return "unknown"
	}
}

// Event is a normalized purchase lifecycle notification. Exactly one of the
// payload fields is set, according to Kind.
type Event struct {
	Kind      EventKind
	Platform  model.Platform
	Timestamp time.Time

	Connected   bool
	Transaction *model.Transaction
	Error       *Error
	Product     *model.Product
}

// Key returns the correlation key of the event: the transaction id when
// known, otherwise the product id.
func (e *Event) Key() string {
	switch e.Kind {
	case EventPurchaseUpdated:
		if e.Transaction.TransactionID != "" {
			return e.Transaction.TransactionID
		}
		return e.Transaction.ProductID
	case EventPurchaseError:
		return e.Error.ProductID
	case EventPromotedProduct:
		return e.Product.ID
	default:
		return ""
	}
}

func (e *Event) Clone() *Event {
	cloned := *e
	cloned.Transaction = e.Transaction.Clone()
	cloned.Product = e.Product.Clone()
	if e.Error != nil {
		errCopy := *e.Error
		cloned.Error = &errCopy
	}
	return &cloned
}

// Bus is the outbound event channel shared by the coordinator and its
// subscribers.
type Bus = event.Bus[string, *Event]

func NewBus() *Bus {
	return event.NewBus[string, *Event]()
}

func connectionEvent(platform model.Platform, connected bool) *Event {
	return &Event{
		Kind:      EventConnectionUpdated,
		Platform:  platform,
		Timestamp: time.Now(),
		Connected: connected,
	}
}

func PurchaseUpdatedEvent(platform model.Platform, tx *model.Transaction) *Event {
	return &Event{
		Kind:        EventPurchaseUpdated,
		Platform:    platform,
		Timestamp:   time.Now(),
		Transaction: tx,
	}
}

func PurchaseErrorEvent(platform model.Platform, err *Error) *Event {
	return &Event{
		Kind:      EventPurchaseError,
		Platform:  platform,
		Timestamp: time.Now(),
		Error:     err,
	}
}

func PromotedProductEvent(platform model.Platform, p *model.Product) *Event {
	return &Event{
		Kind:      EventPromotedProduct,
		Platform:  platform,
		Timestamp: time.Now(),
		Product:   p,
	}
}
