package receipt

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/ReneKroon/ttlcache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/iap-bridge/iap"
)

var (
	ErrReadFailed  = iap.NewError(iap.KindVendor, iap.CodeReceipt, "Failed to fetch a receipt")
	ErrUnavailable = iap.NewError(iap.KindVendor, iap.CodeReceipt, "Receipt refreshed, but still not available")
)

// Source is the platform receipt store.
type Source interface {
	// Present reports whether a receipt exists on the device.
	Present() bool

	// Read returns the raw receipt bytes.
	Read() ([]byte, error)

	// Refresh asks the store for a new receipt and blocks until the refresh
	// request finishes.
	Refresh(ctx context.Context) error
}

const cacheKey = "app-receipt"

// Fetcher reads the base64 encoded app receipt. Concurrent reads share a
// single store access and results are kept for a short time, so a batch of
// purchase callbacks resolves the receipt once.
type Fetcher struct {
	log    *zap.Logger
	source Source

	group singleflight.Group
	cache *ttlcache.Cache
}

func NewFetcher(log *zap.Logger, source Source, ttl time.Duration) *Fetcher {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)

	return &Fetcher{
		log:    log,
		source: source,
		cache:  cache,
	}
}

// Fetch returns the receipt, refreshing it when none is present. The refresh
// is not cancelled when ctx ends; it keeps running for the other waiters.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached.(string), nil
	}

	ch := f.group.DoChan(cacheKey, func() (any, error) {
		return f.load(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached receipt so the next Fetch reads the store.
func (f *Fetcher) Invalidate() {
	f.cache.Remove(cacheKey)
}

func (f *Fetcher) load(ctx context.Context) (string, error) {
	if !f.source.Present() {
		f.log.Debug("Receipt missing, refreshing")

		if err := f.source.Refresh(ctx); err != nil {
			return "", ErrReadFailed.WithCause(err)
		}
		if !f.source.Present() {
			return "", ErrUnavailable
		}
	}

	raw, err := f.source.Read()
	if err != nil {
		return "", ErrReadFailed.WithCause(err)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	f.cache.Set(cacheKey, encoded)
	return encoded, nil
}
