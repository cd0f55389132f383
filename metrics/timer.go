package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Timer struct {
	client Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   Tags
}

func NewTimer(client Client, c clock.Clock, name string, tags Tags) *Timer {
	return &Timer{
		client: client,
		clock:  c,
		start:  c.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop the timer and send the elapsed time as milliseconds as a distribution metric
func (t *Timer) Stop() {
	elapsed := t.clock.Since(t.start)
	t.client.Distribution(t.name, t.tags, float64(elapsed/time.Millisecond))
}
