package testutil

import (
	"testing"
	"time"
)

func TestFixedClockFollowsPointer(t *testing.T) {
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	clock := FixedClock(&now)
	now = now.Add(time.Hour)
	if got := clock(); !got.Equal(now) {
		t.Errorf("Expected %v, got %v", now, got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Minutes int `json:"minutes"`
	}
	data := MustMarshalJSON(t, payload{Minutes: 5})
	if string(data) != `{"minutes":5}` {
		t.Errorf("Expected compact JSON, got %s", data)
	}
	var out payload
	MustUnmarshalJSON(t, data, &out)
	if out.Minutes != 5 {
		t.Errorf("Expected 5, got %d", out.Minutes)
	}
}

func TestDiscardLogger(t *testing.T) {
	DiscardLogger().Info("dropped", "key", "value")
}
