package product

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-bridge/model"
)

func TestCache_ReplaceReturnsFullSet(t *testing.T) {
	cache := NewCache[string]()

	actual := cache.Replace([]Entry[string]{
		{Product: &model.Product{ID: "a", Title: "A"}, Handle: "ha"},
		{Product: &model.Product{ID: "b", Title: "B"}, Handle: "hb"},
	})
	require.Len(t, actual, 2)

	actual = cache.Replace([]Entry[string]{
		{Product: &model.Product{ID: "c", Title: "C"}, Handle: "hc"},
	})
	require.Len(t, actual, 3)
	require.Equal(t, []string{"a", "b", "c"}, ids(actual))
}

func TestCache_ReplaceDropsStaleFields(t *testing.T) {
	cache := NewCache[string]()

	cache.Replace([]Entry[string]{{
		Product: &model.Product{
			ID:                 "sub",
			Title:              "Old",
			Type:               model.ProductTypeSubscription,
			SubscriptionPeriod: &model.Period{Unit: model.PeriodUnitMonth, Count: 1},
			IntroductoryOffer:  &model.Discount{Cycles: 2},
		},
		Handle: "old",
	}})

	actual := cache.Replace([]Entry[string]{{
		Product: &model.Product{ID: "sub", Title: "New", Type: model.ProductTypeOneTime},
		Handle:  "new",
	}})
	require.Len(t, actual, 1)
	require.Equal(t, "New", actual[0].Title)
	require.Nil(t, actual[0].IntroductoryOffer)
	require.Nil(t, actual[0].SubscriptionPeriod)

	p, handle, ok := cache.Get("sub")
	require.True(t, ok)
	require.Equal(t, "New", p.Title)
	require.Equal(t, "new", handle)
}

func TestCache_ReplacedEntryMovesToEnd(t *testing.T) {
	cache := NewCache[int]()
	cache.Put(&model.Product{ID: "a"}, 1)
	cache.Put(&model.Product{ID: "b"}, 2)
	cache.Put(&model.Product{ID: "a"}, 3)

	require.Equal(t, []string{"b", "a"}, ids(cache.List()))
}

func TestCache_GetMissing(t *testing.T) {
	cache := NewCache[*int]()

	p, handle, ok := cache.Get("missing")
	require.False(t, ok)
	require.Nil(t, p)
	require.Nil(t, handle)
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache := NewCache[string]()
	cache.Put(&model.Product{ID: "a", Title: "A"}, "h")

	p, _, _ := cache.Get("a")
	p.Title = "mutated"

	p, _, _ = cache.Get("a")
	require.Equal(t, "A", p.Title)
}

func TestCache_RemoveAndReset(t *testing.T) {
	cache := NewCache[string]()
	cache.Put(&model.Product{ID: "a"}, "ha")
	cache.Put(&model.Product{ID: "b"}, "hb")

	require.True(t, cache.Remove("a"))
	require.False(t, cache.Remove("a"))
	require.Equal(t, []string{"b"}, ids(cache.List()))

	cache.Reset()
	require.Zero(t, cache.Len())
	require.Empty(t, cache.List())
}

func ids(products []*model.Product) []string {
	var result []string
	for _, p := range products {
		result = append(result, p.ID)
	}
	return result
}
