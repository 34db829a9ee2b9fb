package delay

import (
	"testing"
	"time"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestDueAt_SimpleUnits(t *testing.T) {
	base := mustTime(t, "2025-03-10T10:00:00Z") // Monday

	tests := []struct {
		name string
		cfg  types.DelayConfig
		want string
	}{
		{"minutes", types.DelayConfig{Amount: 30, Unit: types.UnitMinutes}, "2025-03-10T10:30:00Z"},
		{"hours", types.DelayConfig{Amount: 3, Unit: types.UnitHours}, "2025-03-10T13:00:00Z"},
		{"days", types.DelayConfig{Amount: 2, Unit: types.UnitDays}, "2025-03-12T10:00:00Z"},
		{"weeks", types.DelayConfig{Amount: 1, Unit: types.UnitWeeks}, "2025-03-17T10:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DueAt(base, tt.cfg, types.Settings{})
			if err != nil {
				t.Fatalf("DueAt: %v", err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestDueAt_UnknownUnit(t *testing.T) {
	_, err := DueAt(time.Now(), types.DelayConfig{Amount: 1, Unit: "fortnights"}, types.Settings{})
	if err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestDueAt_Idempotent(t *testing.T) {
	base := mustTime(t, "2025-03-14T17:00:00Z") // Friday 5pm
	cfg := types.DelayConfig{Amount: 1, Unit: types.UnitDays, SkipWeekends: true}

	first, err := DueAt(base, cfg, types.Settings{})
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	second, err := DueAt(base, cfg, types.Settings{})
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("identical inputs diverged: %v vs %v", first, second)
	}
}

func TestDueAt_SkipWeekendsFridayLandsMonday(t *testing.T) {
	base := mustTime(t, "2025-03-14T17:00:00Z") // Friday 5pm UTC
	cfg := types.DelayConfig{Amount: 1, Unit: types.UnitDays, SkipWeekends: true}

	got, err := DueAt(base, cfg, types.Settings{})
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	want := mustTime(t, "2025-03-17T17:00:00Z") // Monday 5pm, not Saturday
	if !got.Equal(want) {
		t.Errorf("got %v (%v), want %v (Monday)", got, got.Weekday(), want)
	}
}

func TestDueAt_SkipWeekendsSaturdayBase(t *testing.T) {
	base := mustTime(t, "2025-03-15T09:00:00Z") // Saturday
	cfg := types.DelayConfig{Amount: 1, Unit: types.UnitDays, SkipWeekends: true}

	got, err := DueAt(base, cfg, types.Settings{})
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	// Saturday + 1 day = Sunday, rolled forward to Monday.
	want := mustTime(t, "2025-03-17T09:00:00Z")
	if !got.Equal(want) {
		t.Errorf("got %v (%v), want %v", got, got.Weekday(), want)
	}
}

func TestDueAt_SpecificTimeOfDay(t *testing.T) {
	tests := []struct {
		name string
		base string
		cfg  types.DelayConfig
		want string
	}{
		{
			name: "day delay then morning send time",
			base: "2025-03-10T08:00:00Z",
			cfg:  types.DelayConfig{Amount: 1, Unit: types.UnitDays, SpecificTimeOfDay: "09:00"},
			want: "2025-03-11T09:00:00Z",
		},
		{
			name: "same day when clock still ahead",
			base: "2025-03-10T08:00:00Z",
			cfg:  types.DelayConfig{Amount: 1, Unit: types.UnitHours, SpecificTimeOfDay: "14:30"},
			want: "2025-03-10T14:30:00Z",
		},
		{
			name: "next day when clock already passed",
			base: "2025-03-10T16:00:00Z",
			cfg:  types.DelayConfig{Amount: 1, Unit: types.UnitHours, SpecificTimeOfDay: "09:00"},
			want: "2025-03-11T09:00:00Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DueAt(mustTime(t, tt.base), tt.cfg, types.Settings{})
			if err != nil {
				t.Fatalf("DueAt: %v", err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestDueAt_BusinessHoursOnlyRollsForward(t *testing.T) {
	settings := types.Settings{
		BusinessHours: &types.BusinessHours{Start: "09:00", End: "17:00"},
	}

	tests := []struct {
		name string
		base string
		want string
	}{
		{"evening rolls to next morning", "2025-03-10T20:00:00Z", "2025-03-11T09:00:00Z"},
		{"early morning rolls to open", "2025-03-11T06:30:00Z", "2025-03-11T09:00:00Z"},
		{"inside window unchanged", "2025-03-11T10:00:00Z", "2025-03-11T11:00:00Z"},
		{"friday evening rolls to monday", "2025-03-14T18:00:00Z", "2025-03-17T09:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := types.DelayConfig{Amount: 1, Unit: types.UnitHours, BusinessHoursOnly: true}
			got, err := DueAt(mustTime(t, tt.base), cfg, types.Settings{BusinessHours: settings.BusinessHours})
			if err != nil {
				t.Fatalf("DueAt: %v", err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestDueAt_BusinessHoursUnit(t *testing.T) {
	settings := types.Settings{
		BusinessHours: &types.BusinessHours{Start: "09:00", End: "17:00"},
	}

	tests := []struct {
		name   string
		base   string
		amount int
		want   string
	}{
		// 4 countable hours remain on Monday; the 5th through 16th
		// accumulate across Tuesday and Wednesday mornings.
		{"spills into next day", "2025-03-10T13:00:00Z", 6, "2025-03-11T11:00:00Z"},
		{"fits in one day", "2025-03-10T09:30:00Z", 2, "2025-03-10T11:30:00Z"},
		{"starts outside window", "2025-03-10T07:00:00Z", 1, "2025-03-10T10:00:00Z"},
		{"crosses weekend", "2025-03-14T16:00:00Z", 2, "2025-03-17T10:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := types.DelayConfig{Amount: tt.amount, Unit: types.UnitBusinessHours}
			got, err := DueAt(mustTime(t, tt.base), cfg, settings)
			if err != nil {
				t.Fatalf("DueAt: %v", err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestDueAt_Timezone(t *testing.T) {
	// 23:00 UTC on March 10 is 19:00 in New York; a 1-day delay lands at
	// 19:00 the next evening, so the 09:00 send time snaps one more day
	// forward, resolved in the workflow zone.
	base := mustTime(t, "2025-03-10T23:00:00Z")
	cfg := types.DelayConfig{Amount: 1, Unit: types.UnitDays, SpecificTimeOfDay: "09:00"}
	settings := types.Settings{Timezone: "America/New_York"}

	got, err := DueAt(base, cfg, settings)
	if err != nil {
		t.Fatalf("DueAt: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	local := got.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Errorf("got %v local, want 09:00", local.Format("15:04"))
	}
	if local.Day() != 12 {
		t.Errorf("got day %d local, want 12", local.Day())
	}
}

func TestDueAt_BadBusinessHoursConfig(t *testing.T) {
	settings := types.Settings{
		BusinessHours: &types.BusinessHours{Start: "17:00", End: "09:00"},
	}
	cfg := types.DelayConfig{Amount: 1, Unit: types.UnitBusinessHours}
	if _, err := DueAt(time.Now(), cfg, settings); err == nil {
		t.Fatal("expected error for inverted window")
	}
}
