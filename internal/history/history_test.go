package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return NewStore(rdb, Options{Now: clock.Now}), mr, clock
}

func record(t *testing.T, s *Store, clock *testClock, prompt, source string) string {
	t.Helper()
	clock.Advance(time.Second)
	id, err := s.Record(context.Background(), prompt, "reply to "+prompt, source, Metadata{Success: true, TemplateUsed: "default"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return id
}

func TestRecordAndGet(t *testing.T) {
	s, mr, clock := setupTestStore(t)
	id := record(t, s, clock, "System: x\n\nUser: lights on", "")

	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Source != SourceAPI || rec.Response != "reply to System: x\n\nUser: lights on" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.Timestamp.Equal(clock.Now()) || rec.Metadata.TemplateUsed != "default" {
		t.Errorf("record metadata = %+v at %v", rec.Metadata, rec.Timestamp)
	}
	if ttl := mr.TTL(RecordKey(id)); ttl != DefaultRetention {
		t.Errorf("TTL = %v, want 30 days", ttl)
	}

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestList(t *testing.T) {
	s, _, clock := setupTestStore(t)
	a := record(t, s, clock, "a", SourceAPI)
	b := record(t, s, clock, "b", SourceRerun)
	c := record(t, s, clock, "c", SourceAPI)
	d := record(t, s, clock, "d", SourceActions)
	ctx := context.Background()

	ids := func(recs []Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	tests := []struct {
		name          string
		limit, offset int
		source        string
		want          []string
	}{
		{"all newest first", 10, 0, "", []string{d, c, b, a}},
		{"limit", 2, 0, "", []string{d, c}},
		{"offset", 2, 2, "", []string{b, a}},
		{"source filter", 10, 0, SourceAPI, []string{c, a}},
		{"source filter with offset", 10, 1, SourceAPI, []string{a}},
		{"offset past end", 10, 9, "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(s.List(ctx, tt.limit, tt.offset, tt.source))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestList_SkipsExpiredRecords(t *testing.T) {
	s, mr, clock := setupTestStore(t)
	a := record(t, s, clock, "a", SourceAPI)
	b := record(t, s, clock, "b", SourceAPI)
	mr.Del(RecordKey(b))

	got := s.List(context.Background(), 10, 0, "")
	if len(got) != 1 || got[0].ID != a {
		t.Errorf("List = %+v", got)
	}
}

func TestRecord_TrimsTimeline(t *testing.T) {
	s, mr, clock := setupTestStore(t)
	record(t, s, clock, "old", SourceAPI)
	clock.Advance(DefaultRetention + time.Hour)
	fresh := record(t, s, clock, "fresh", SourceAPI)

	members, err := mr.ZMembers(timelineKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != fresh {
		t.Errorf("timeline = %v, want only %s", members, fresh)
	}
}

func TestDelete(t *testing.T) {
	s, mr, clock := setupTestStore(t)
	id := record(t, s, clock, "x", SourceAPI)
	ctx := context.Background()

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists(RecordKey(id)) {
		t.Error("record key still present")
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestStats(t *testing.T) {
	s, _, clock := setupTestStore(t)
	record(t, s, clock, "a", SourceAPI)
	record(t, s, clock, "b", SourceAPI)
	record(t, s, clock, "c", SourceRerun)

	st := s.Stats(context.Background())
	if st.TotalInteractions != 3 || st.RecentCount != 3 {
		t.Errorf("stats = %+v", st)
	}
	if st.SourceDistribution[SourceAPI] != 2 || st.SourceDistribution[SourceRerun] != 1 {
		t.Errorf("distribution = %v", st.SourceDistribution)
	}
}

func TestStats_RedisDown(t *testing.T) {
	s, mr, _ := setupTestStore(t)
	mr.Close()
	st := s.Stats(context.Background())
	if st.TotalInteractions != 0 || st.SourceDistribution == nil {
		t.Errorf("stats = %+v", st)
	}
	if got := s.List(context.Background(), 5, 0, ""); len(got) != 0 {
		t.Errorf("List with redis down = %v", got)
	}
}
