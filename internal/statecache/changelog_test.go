package statecache

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestNewLogEntry(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	on := st("light.a", "on", map[string]any{"brightness": 255.0})
	off := st("light.a", "off", map[string]any{"brightness": 255.0})
	dim := st("light.a", "on", map[string]any{"brightness": 10.0})

	tests := []struct {
		name        string
		old, new    *State
		state, attr bool
		removed     bool
	}{
		{"state only", &off, &on, true, false, false},
		{"attributes only", &on, &dim, false, true, false},
		{"both", &off, &dim, true, true, false},
		{"no change", &on, &on, false, false, false},
		{"new entity", nil, &on, true, true, false},
		{"removal", &on, nil, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLogEntry(at, "light.a", tt.old, tt.new)
			if e.StateChanged != tt.state || e.AttributesChanged != tt.attr || e.EntityRemoved != tt.removed {
				t.Errorf("flags = state:%v attr:%v removed:%v, want %v %v %v",
					e.StateChanged, e.AttributesChanged, e.EntityRemoved, tt.state, tt.attr, tt.removed)
			}
			if e.Timestamp != "2026-01-02T02:04:05Z" {
				t.Errorf("Timestamp = %q, want UTC with Z suffix", e.Timestamp)
			}
		})
	}
}

func applyN(t *testing.T, c *Cache, clock *testClock, id string, states ...string) {
	t.Helper()
	var prev *State
	for _, s := range states {
		next := st(id, s, nil)
		if err := c.ApplyUpdate(context.Background(), id, prev, &next); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
		prev = &next
		clock.Advance(time.Minute)
	}
}

func TestEntityLog_NewestFirstWithLimit(t *testing.T) {
	c, _, clock := setupTestCache(t)
	ctx := context.Background()
	applyN(t, c, clock, "switch.pump", "on", "off", "on", "off")

	all := c.EntityLog(ctx, "switch.pump", LogQuery{})
	if len(all) != 4 {
		t.Fatalf("EntityLog() = %d entries, want 4", len(all))
	}
	var got []string
	for _, e := range all {
		got = append(got, e.NewState.State)
	}
	if !slices.Equal(got, []string{"off", "on", "off", "on"}) {
		t.Errorf("order = %v, want newest first", got)
	}

	if limited := c.EntityLog(ctx, "switch.pump", LogQuery{Limit: 2}); len(limited) != 2 || limited[0].NewState.State != "off" {
		t.Errorf("limited log = %+v", limited)
	}

	global := c.GlobalLog(ctx, LogQuery{})
	if len(global) != 4 {
		t.Errorf("GlobalLog() = %d entries, want 4", len(global))
	}
}

func TestEntityLog_TimeRange(t *testing.T) {
	c, _, clock := setupTestCache(t)
	ctx := context.Background()
	start := clock.t
	applyN(t, c, clock, "switch.pump", "on", "off", "on")

	// Entries sit at start, start+1m, start+2m.
	got := c.EntityLog(ctx, "switch.pump", LogQuery{
		Start: start.Add(30 * time.Second),
		End:   start.Add(90 * time.Second),
	})
	if len(got) != 1 || got[0].NewState.State != "off" {
		t.Errorf("ranged log = %+v, want only the middle entry", got)
	}
}

func TestAppendLog_RetentionTrimAndExpiry(t *testing.T) {
	c, mr, clock := setupTestCache(t)
	ctx := context.Background()
	applyN(t, c, clock, "light.porch", "on")

	if ttl := mr.TTL(EntityLogKey("light.porch")); ttl != 7*24*time.Hour {
		t.Errorf("log TTL = %v, want 7 days", ttl)
	}

	clock.Advance(8 * 24 * time.Hour)
	applyN(t, c, clock, "light.porch", "off")

	got := c.EntityLog(ctx, "light.porch", LogQuery{})
	if len(got) != 1 || got[0].NewState.State != "off" {
		t.Errorf("log after 8 days = %+v, want only the new entry", got)
	}
}

func TestTrimLogs(t *testing.T) {
	c, _, clock := setupTestCache(t)
	ctx := context.Background()
	applyN(t, c, clock, "light.a", "on", "off")
	applyN(t, c, clock, "light.b", "on")

	clock.Advance(7*24*time.Hour + time.Hour)
	removed, err := c.TrimLogs(ctx)
	if err != nil {
		t.Fatalf("TrimLogs: %v", err)
	}
	// Three entity entries plus three global entries.
	if removed != 6 {
		t.Errorf("removed = %d, want 6", removed)
	}
	if got := c.EntityLog(ctx, "light.a", LogQuery{}); len(got) != 0 {
		t.Errorf("light.a log = %v, want empty", got)
	}
}

func TestEntityLogSummary(t *testing.T) {
	c, _, clock := setupTestCache(t)
	ctx := context.Background()

	empty := c.EntityLogSummary(ctx, "light.none", 7)
	if empty.TotalChanges != 0 || empty.MostRecentChange != nil || empty.ChangeFrequencyPerDay != 0 {
		t.Errorf("empty summary = %+v", empty)
	}

	first := st("light.desk", "off", map[string]any{"b": 1.0})
	second := st("light.desk", "off", map[string]any{"b": 2.0})
	third := st("light.desk", "on", map[string]any{"b": 2.0})
	for _, pair := range [][2]*State{{nil, &first}, {&first, &second}, {&second, &third}} {
		if err := c.ApplyUpdate(ctx, "light.desk", pair[0], pair[1]); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Hour)
	}

	s := c.EntityLogSummary(ctx, "light.desk", 7)
	if s.EntityID != "light.desk" || s.PeriodDays != 7 {
		t.Errorf("summary identity = %+v", s)
	}
	if s.TotalChanges != 3 || s.StateChanges != 2 || s.AttributeChanges != 2 {
		t.Errorf("summary counts = total %d state %d attr %d, want 3/2/2",
			s.TotalChanges, s.StateChanges, s.AttributeChanges)
	}
	if s.MostRecentChange == nil || s.MostRecentChange.NewState.State != "on" {
		t.Errorf("most recent = %+v", s.MostRecentChange)
	}
	if s.ChangeFrequencyPerDay != 0.43 {
		t.Errorf("frequency = %v, want 0.43", s.ChangeFrequencyPerDay)
	}
}

func TestLoggedEntities(t *testing.T) {
	c, _, clock := setupTestCache(t)
	applyN(t, c, clock, "switch.z", "on")
	applyN(t, c, clock, "light.a", "on")

	got := c.LoggedEntities(context.Background())
	if !slices.Equal(got, []string{"light.a", "switch.z"}) {
		t.Errorf("LoggedEntities() = %v", got)
	}
}
