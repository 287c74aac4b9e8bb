package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func tod(s string) *TimeOfDay {
	t := MustTimeOfDay(s)
	return &t
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", 0, false},
		{"13:45", 13*60 + 45, false},
		{"9:05", 9*60 + 5, false},
		{"23:59", 23*60 + 59, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimeOfDayJSON(t *testing.T) {
	var q QuietHours
	if err := json.Unmarshal([]byte(`{"start":"22:00","end":"07:30"}`), &q); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if q.Start.String() != "22:00" || q.End.String() != "07:30" {
		t.Errorf("got %v-%v", q.Start, q.End)
	}
	out, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"start":"22:00","end":"07:30"}` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestQuietHoursContains(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2025, 3, 1, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name string
		q    QuietHours
		at   time.Time
		want bool
	}{
		{"unset", QuietHours{}, day(23, 0), false},
		{"only start", QuietHours{Start: tod("22:00")}, day(23, 0), false},
		{"equal endpoints", QuietHours{Start: tod("22:00"), End: tod("22:00")}, day(22, 0), false},
		{"inside same day", QuietHours{Start: tod("13:00"), End: tod("13:45")}, day(13, 30), true},
		{"start inclusive", QuietHours{Start: tod("13:00"), End: tod("13:45")}, day(13, 0), true},
		{"end exclusive", QuietHours{Start: tod("13:00"), End: tod("13:45")}, day(13, 45), false},
		{"wrap evening", QuietHours{Start: tod("22:00"), End: tod("07:00")}, day(23, 30), true},
		{"wrap morning", QuietHours{Start: tod("22:00"), End: tod("07:00")}, day(6, 59), true},
		{"wrap outside", QuietHours{Start: tod("22:00"), End: tod("07:00")}, day(12, 0), false},
		{"wrap end exclusive", QuietHours{Start: tod("22:00"), End: tod("07:00")}, day(7, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Contains(tt.at, time.UTC); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestQuietHoursEndAfter(t *testing.T) {
	q := QuietHours{Start: tod("22:00"), End: tod("07:00")}
	evening := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	if got, want := q.EndAfter(evening, time.UTC), time.Date(2025, 3, 2, 7, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("EndAfter(evening) = %v, want %v", got, want)
	}
	morning := time.Date(2025, 3, 2, 5, 0, 0, 0, time.UTC)
	if got, want := q.EndAfter(morning, time.UTC), time.Date(2025, 3, 2, 7, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("EndAfter(morning) = %v, want %v", got, want)
	}
}

func TestQuietHoursUserTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	q := QuietHours{Start: tod("22:00"), End: tod("07:00")}
	// 11:00 UTC is 06:00 EST.
	at := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	if !q.Contains(at, loc) {
		t.Error("expected quiet hours in the user's timezone")
	}
	if q.Contains(at, time.UTC) {
		t.Error("11:00 UTC is outside UTC quiet hours")
	}
	if got, want := q.EndAfter(at, loc), time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("EndAfter() = %v, want %v", got, want)
	}
}

func TestUserPreferencesValidate(t *testing.T) {
	tests := []struct {
		name    string
		prefs   UserPreferences
		wantErr error
	}{
		{"defaults", DefaultPreferences("u1"), nil},
		{"missing user", UserPreferences{}, ErrEmptyUserID},
		{"negative frequency", UserPreferences{UserID: "u1", ReminderFrequency: -1}, ErrNegativeFrequency},
		{"bad timezone", UserPreferences{UserID: "u1", Timezone: "Mars/Olympus"}, ErrInvalidTimezone},
		{"bad method", UserPreferences{UserID: "u1", PreferredMethod: "PIGEON"}, ErrInvalidMethod},
		{"bad override", UserPreferences{UserID: "u1", MethodOverrides: map[string]Method{"r": "PIGEON"}}, ErrInvalidMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.prefs.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
