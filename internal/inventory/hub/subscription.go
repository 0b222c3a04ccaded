package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"inventory-tracker/internal/inventory"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

type State int32

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OverflowFunc is called when an event could not be queued without loss. It
// runs on the publisher's goroutine and must not block or call into the Hub.
type OverflowFunc func(sub *Subscription, ev inventory.UpdateEvent, err error)

// Subscription is the ordered queue between the Hub and one observer.
// States only move forward: open, draining, closed.
type Subscription struct {
	id    string
	topic string

	policy       Policy
	capacity     int
	drainTimeout time.Duration
	onOverflow   OverflowFunc

	mu         sync.Mutex
	state      State
	buf        []inventory.UpdateEvent
	dropped    uint64
	drainTimer *time.Timer

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(id, topic string, capacity int, policy Policy, drainTimeout time.Duration, onOverflow OverflowFunc) *Subscription {
	return &Subscription{
		id:           id,
		topic:        topic,
		policy:       policy,
		capacity:     capacity,
		drainTimeout: drainTimeout,
		onOverflow:   onOverflow,
		buf:          make([]inventory.UpdateEvent, 0, capacity),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped is the number of events this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len is the number of buffered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Done is closed once the subscription reaches StateClosed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Next blocks until the next event is available. Once the subscription is
// closed and its buffer is empty it returns ErrSubscriptionClosed.
func (s *Subscription) Next(ctx context.Context) (inventory.UpdateEvent, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf[0] = inventory.UpdateEvent{}
			s.buf = s.buf[1:]
			if s.state == StateDraining && len(s.buf) == 0 {
				s.closeLocked()
			}
			s.mu.Unlock()
			return ev, nil
		}
		switch s.state {
		case StateDraining:
			s.closeLocked()
			s.mu.Unlock()
			return inventory.UpdateEvent{}, ErrSubscriptionClosed
		case StateClosed:
			s.mu.Unlock()
			return inventory.UpdateEvent{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return inventory.UpdateEvent{}, ctx.Err()
		}
	}
}

// Close moves the subscription straight to StateClosed and releases its buffer.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// enqueue never blocks. It returns whether the event was queued and, on
// overflow, ErrChannelOverflow. With PolicyDropOldest the event is queued
// and the oldest buffered one is lost.
func (s *Subscription) enqueue(ev inventory.UpdateEvent) (bool, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return false, ErrSubscriptionClosed
	}

	var overflow error
	queued := true
	if len(s.buf) >= s.capacity {
		s.dropped++
		overflow = inventory.ErrChannelOverflow
		switch s.policy {
		case PolicyReject:
			queued = false
		default:
			s.buf[0] = inventory.UpdateEvent{}
			s.buf = s.buf[1:]
		}
	}
	if queued {
		s.buf = append(s.buf, ev)
	}
	s.mu.Unlock()

	if queued {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	if overflow != nil && s.onOverflow != nil {
		s.onOverflow(s, ev, overflow)
	}
	return queued, overflow
}

// drain stops accepting events. Buffered events stay readable until the
// buffer empties or the drain timeout fires.
func (s *Subscription) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return
	}
	if len(s.buf) == 0 {
		s.closeLocked()
		return
	}
	s.state = StateDraining
	s.drainTimer = time.AfterFunc(s.drainTimeout, s.Close)
}

func (s *Subscription) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.buf = nil
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	close(s.done)
}
