package engine

import (
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// Observer receives tick events. Implementations must be safe for
// concurrent use; ticks of different users call them in parallel.
type Observer interface {
	TickCompleted(userID string, report *TickReport, elapsed time.Duration)
	TickFailed(userID string, err error)
	RuleQuarantined(userID string, err error)
	Delivered(cmd models.DeliveryCommand)
	DeliveryFailed(cmd models.DeliveryCommand, err error)
	StateConflict(key models.StateKey)
	EnrichmentFailed(userID string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TickCompleted(string, *TickReport, time.Duration) {}
func (NopObserver) TickFailed(string, error)                         {}
func (NopObserver) RuleQuarantined(string, error)                    {}
func (NopObserver) Delivered(models.DeliveryCommand)                 {}
func (NopObserver) DeliveryFailed(models.DeliveryCommand, error)     {}
func (NopObserver) StateConflict(models.StateKey)                    {}
func (NopObserver) EnrichmentFailed(string, error)                   {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) TickCompleted(userID string, r *TickReport, elapsed time.Duration) {
	for _, ob := range o {
		ob.TickCompleted(userID, r, elapsed)
	}
}

func (o Observers) TickFailed(userID string, err error) {
	for _, ob := range o {
		ob.TickFailed(userID, err)
	}
}

func (o Observers) RuleQuarantined(userID string, err error) {
	for _, ob := range o {
		ob.RuleQuarantined(userID, err)
	}
}

func (o Observers) Delivered(cmd models.DeliveryCommand) {
	for _, ob := range o {
		ob.Delivered(cmd)
	}
}

func (o Observers) DeliveryFailed(cmd models.DeliveryCommand, err error) {
	for _, ob := range o {
		ob.DeliveryFailed(cmd, err)
	}
}

func (o Observers) StateConflict(key models.StateKey) {
	for _, ob := range o {
		ob.StateConflict(key)
	}
}

func (o Observers) EnrichmentFailed(userID string, err error) {
	for _, ob := range o {
		ob.EnrichmentFailed(userID, err)
	}
}
