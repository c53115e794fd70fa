package apple

import (
	"go.uber.org/zap"
)

// observer is the payment queue observer registered by OpenConnection.
// Callbacks arriving after the connection it belongs to was closed are
// dropped.
type observer struct {
	c *Coordinator
}

func (o *observer) current() bool {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()

	return o.c.observer == o
}

func (o *observer) UpdatedTransactions(txs []*Transaction) {
	if !o.current() {
		return
	}
	o.c.onUpdatedTransactions(txs)
}

func (o *observer) ShouldAddStorePayment(payment Payment, p *Product) bool {
	if !o.current() {
		return false
	}
	return o.c.onStorePayment(payment, p)
}

func (o *observer) RestoreCompletedTransactionsFinished() {
	if !o.current() {
		return
	}
	o.c.onRestoreFinished()
}

func (o *observer) RestoreCompletedTransactionsFailed(err *SKError) {
	if !o.current() {
		return
	}
	o.c.onRestoreFailed(err)
}

// productsDelegate routes products responses to the waiting GetProducts call.
type productsDelegate struct {
	c *Coordinator
}

func (d *productsDelegate) ProductsReceived(handle string, products []*Product, invalidIdentifiers []string) {
	if len(invalidIdentifiers) > 0 {
		d.c.log.Debug("Products request returned invalid identifiers", zap.Strings("identifiers", invalidIdentifiers))
	}

	if !d.c.products.Resolve(handle, products, nil) {
		d.c.log.Debug("Dropping products response for unknown request", zap.String("handle", handle))
	}
}

func (d *productsDelegate) ProductsRequestFailed(handle string, err *SKError) {
	d.c.products.Resolve(handle, nil, skError(err))
}
