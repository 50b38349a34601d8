package stream

import (
	"sync"
	"time"
)

// Cadence schedules capture-loop iterations. Ticks that arrive while an iteration
// is still running are dropped by the implementation, never queued.
type Cadence interface {
	Ticks() <-chan time.Time
	Stop()
}

type tickerCadence struct {
	t *time.Ticker
}

// TickerCadence paces the loop at fps frames per second.
func TickerCadence(fps int) Cadence {
	if fps <= 0 {
		fps = 30
	}
	return &tickerCadence{t: time.NewTicker(time.Second / time.Duration(fps))}
}

func (c *tickerCadence) Ticks() <-chan time.Time { return c.t.C }
func (c *tickerCadence) Stop()                   { c.t.Stop() }

// ManualCadence ticks only when told to. Tick blocks until the loop takes the tick,
// which makes it usable for stepping a session deterministically.
type ManualCadence struct {
	ch   chan time.Time
	done chan struct{}
	once sync.Once
}

func NewManualCadence() *ManualCadence {
	return &ManualCadence{ch: make(chan time.Time), done: make(chan struct{})}
}

func (c *ManualCadence) Ticks() <-chan time.Time { return c.ch }

func (c *ManualCadence) Stop() {
	c.once.Do(func() { close(c.done) })
}

// Tick delivers one tick. It reports false when the cadence was stopped or timeout elapsed.
func (c *ManualCadence) Tick(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.ch <- time.Now():
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}
