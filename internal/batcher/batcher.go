// Package batcher rate-limits high-frequency outbound envelopes. Envelopes
// that carry an action are queued and flushed once per window, keeping only
// the first envelope per action name; all others are sent immediately.
package batcher

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/loop"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// DefaultInterval flushes once per animation frame at 60Hz.
const DefaultInterval = 16 * time.Millisecond

// SendFunc writes one envelope to the transport.
type SendFunc func(env *space.Envelope)

// Batcher coalesces envelopes between flushes. It runs on the event loop.
type Batcher struct {
	send      SendFunc
	scheduler loop.Scheduler
	interval  time.Duration
	logger    *log.Logger

	queue   []*space.Envelope
	actions map[string]struct{}
	timer   loop.Timer
	dropped int
}

// New returns a batcher flushing through send every interval.
func New(send SendFunc, scheduler loop.Scheduler, interval time.Duration, logger *log.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Batcher{
		send:      send,
		scheduler: scheduler,
		interval:  interval,
		logger:    logging.Component(logger, "batcher"),
		actions:   make(map[string]struct{}),
	}
}

// Enqueue sends env now if it has no action, otherwise queues it for the
// next flush unless an envelope with the same action is already queued.
func (b *Batcher) Enqueue(env *space.Envelope) {
	action := env.Message.Action
	if action == "" {
		b.send(env)
		return
	}

	if _, seen := b.actions[action]; seen {
		b.dropped++
		b.logger.Debug("dropped duplicate action in window", "action", action)
		return
	}
	b.actions[action] = struct{}{}
	b.queue = append(b.queue, env)

	if b.timer == nil {
		b.timer = b.scheduler.AfterFunc(b.interval, b.flushTimer)
	}
}

// Flush sends every queued envelope in arrival order and opens a new window.
func (b *Batcher) Flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	queued := b.queue
	b.queue = nil
	b.actions = make(map[string]struct{})

	for _, env := range queued {
		b.send(env)
	}
}

// Discard drops everything queued without sending it.
func (b *Batcher) Discard() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	b.actions = make(map[string]struct{})
}

// Queued returns the number of envelopes waiting for the next flush.
func (b *Batcher) Queued() int { return len(b.queue) }

// Dropped returns how many envelopes were dropped as same-window duplicates.
func (b *Batcher) Dropped() int { return b.dropped }

func (b *Batcher) flushTimer() {
	b.timer = nil
	b.Flush()
}
