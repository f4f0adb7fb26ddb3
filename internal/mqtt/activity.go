package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/events"
)

// DailyActivity counts commands and actions, resetting at local
// midnight. It is safe for concurrent use.
type DailyActivity struct {
	mu          sync.Mutex
	commands    int64
	failed      int64
	actions     int64
	lastCommand time.Time
	resetDay    int // day-of-year of last reset
	loc         *time.Location
	now         func() time.Time
}

// NewDailyActivity creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyActivity{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnCommand records a finished command.
func (d *DailyActivity) OnCommand(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.commands++
	if !success {
		d.failed++
	}
	d.lastCommand = d.now()
}

// OnAction records a hub service call.
func (d *DailyActivity) OnAction() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.actions++
}

// ActivitySnapshot is a copy of the day's counters.
type ActivitySnapshot struct {
	Commands       int64
	FailedCommands int64
	Actions        int64
	LastCommand    time.Time
}

// Snapshot returns today's counters after checking for midnight
// rollover. LastCommand survives the reset.
func (d *DailyActivity) Snapshot() ActivitySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return ActivitySnapshot{
		Commands:       d.commands,
		FailedCommands: d.failed,
		Actions:        d.actions,
		LastCommand:    d.lastCommand,
	}
}

// Consume feeds bus events into the counters until ctx is cancelled.
func (d *DailyActivity) Consume(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindCommandComplete:
				success, _ := ev.Data["success"].(bool)
				d.OnCommand(success)
			case events.KindActionExecuted:
				d.OnAction()
			}
		}
	}
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyActivity) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.commands = 0
		d.failed = 0
		d.actions = 0
		d.resetDay = today
	}
}
