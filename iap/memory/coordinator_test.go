package memory

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/iap-bridge/iap"
	"github.com/code-payments/iap-bridge/iap/android"
	"github.com/code-payments/iap-bridge/iap/apple"
	"github.com/code-payments/iap-bridge/iap/tests"
)

func TestIAP_MemoryAndroidCoordinator(t *testing.T) {
	newHarness := func(t *testing.T) *tests.Harness {
		log := zap.Must(zap.NewDevelopment())
		bus := iap.NewBus()
		client := NewBillingClient("com.example.app")

		return &tests.Harness{
			Coordinator: android.NewCoordinator(log, client, bus, iap.NewMetrics(nil)),
			Bus:         bus,
			Sim:         client,
		}
	}

	teardown := func() {}

	tests.RunCoordinatorTests(t, newHarness, teardown)
}

func TestIAP_MemoryAppleCoordinator(t *testing.T) {
	newHarness := func(t *testing.T) *tests.Harness {
		log := zap.Must(zap.NewDevelopment())
		bus := iap.NewBus()
		store := NewStoreKit()

		return &tests.Harness{
			Coordinator: apple.NewCoordinator(log, store.Kit(), bus, iap.NewMetrics(nil), time.Minute),
			Bus:         bus,
			Sim:         store,
		}
	}

	teardown := func() {}

	tests.RunCoordinatorTests(t, newHarness, teardown)
}
