// Package eventloop implements the single-threaded reactor every
// adapter owns: periodic timers plus I/O readiness callbacks, modeled
// after the event_unix/event_linux reactor in the original Neuron
// gateway this system is descended from. Timer firing cadence is best
// effort — the loop never attempts catch-up for missed ticks.
package eventloop

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/fieldbus/pkg/log"
)

// MaxHandles bounds the number of concurrent timer/IO slots a Loop
// will accept, matching the reference design's fixed-capacity table.
const MaxHandles = 1400

// ErrFull is returned by Add* when the loop's slot table is exhausted.
var ErrFull = errors.New("eventloop: handle table full")

// TimerType selects a timer's re-arm discipline.
type TimerType int

const (
	// NonBlock re-arms immediately after each fire; overlapping fires
	// are only possible on a multi-threaded loop, which this is not.
	NonBlock TimerType = iota
	// Block removes the timer from the readiness set before invoking
	// the callback and re-arms only after the callback returns, so a
	// slow callback never causes overlapping fires.
	Block
)

// IOEvent is the readiness condition reported for a registered fd-like
// source.
type IOEvent int

const (
	Readable IOEvent = iota
	Hangup
	Closed
)

// TimerFunc is invoked on every tick. userdata is whatever was passed
// to AddTimer, returned verbatim so callbacks don't need a closure.
type TimerFunc func(userdata any)

// IOFunc is invoked when a registered source reports an event.
type IOFunc func(event IOEvent, userdata any)

// Handle identifies a registered timer or IO source for later removal.
type Handle uint64

type timerSlot struct {
	handle   Handle
	interval time.Duration
	kind     TimerType
	cb       TimerFunc
	userdata any
	stop     chan struct{}
}

type ioSlot struct {
	handle   Handle
	source   IOSource
	cb       IOFunc
	userdata any
	stop     chan struct{}
}

// IOSource abstracts whatever readiness-reporting object (a net.Conn,
// a pipe, a test fake) a caller wants to wait on through its single
// blocking Wait method.
type IOSource interface {
	// Wait blocks until an IOEvent is ready, or returns a Closed event
	// immediately once the source has been torn down.
	Wait() IOEvent
}

// Loop is a single-threaded reactor. The zero value is not usable;
// construct with New.
type Loop struct {
	mu      sync.Mutex
	next    Handle
	timers  map[Handle]*timerSlot
	ios     map[Handle]*ioSlot
	closed  bool
	closeWG sync.WaitGroup
}

// New creates an idle Loop. Nothing runs until AddTimer/AddIO is
// called; each registration spawns its own goroutine-backed ticker,
// consistent with the reactor owning a fixed slot table but not a
// single OS thread blocked in poll(2) (Go's runtime scheduler plays
// that role here).
func New() *Loop {
	return &Loop{
		timers: make(map[Handle]*timerSlot),
		ios:    make(map[Handle]*ioSlot),
	}
}

func (l *Loop) allocHandle() Handle {
	l.next++
	return l.next
}

func (l *Loop) size() int {
	return len(l.timers) + len(l.ios)
}

// AddTimer arms a timer at the given interval. For Block timers, the
// loop guarantees the callback never re-enters itself: the next fire
// is scheduled only after the previous callback returns. For NonBlock
// timers, fires are re-armed eagerly.
func (l *Loop) AddTimer(interval time.Duration, kind TimerType, cb TimerFunc, userdata any) (Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errors.New("eventloop: closed")
	}
	if l.size() >= MaxHandles {
		l.mu.Unlock()
		return 0, ErrFull
	}
	h := l.allocHandle()
	slot := &timerSlot{
		handle:   h,
		interval: interval,
		kind:     kind,
		cb:       cb,
		userdata: userdata,
		stop:     make(chan struct{}),
	}
	l.timers[h] = slot
	l.mu.Unlock()

	l.closeWG.Add(1)
	go l.runTimer(slot)
	return h, nil
}

func (l *Loop) runTimer(slot *timerSlot) {
	defer l.closeWG.Done()
	ticker := time.NewTicker(slot.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if slot.kind == Block {
				// Stop receiving ticks while the callback runs; any
				// ticks that arrive during the callback are coalesced
				// away (dropped), never queued.
				ticker.Stop()
				l.invoke(slot)
				ticker.Reset(slot.interval)
			} else {
				l.invoke(slot)
			}
		case <-slot.stop:
			return
		}
	}
}

func (l *Loop) invoke(slot *timerSlot) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("eventloop").Error().
				Interface("panic", r).
				Msg("timer callback panicked, loop continues")
		}
	}()
	slot.cb(slot.userdata)
}

// DelTimer removes a timer. Safe to call from any goroutine; actual
// removal is serialized against the loop's own bookkeeping.
func (l *Loop) DelTimer(h Handle) {
	l.mu.Lock()
	slot, ok := l.timers[h]
	if ok {
		delete(l.timers, h)
	}
	l.mu.Unlock()
	if ok {
		close(slot.stop)
	}
}

// AddIO registers an IOSource for readiness notification. The source's
// Wait method is polled in a dedicated goroutine; Closed terminates
// the registration.
func (l *Loop) AddIO(source IOSource, cb IOFunc, userdata any) (Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errors.New("eventloop: closed")
	}
	if l.size() >= MaxHandles {
		l.mu.Unlock()
		return 0, ErrFull
	}
	h := l.allocHandle()
	slot := &ioSlot{
		handle:   h,
		source:   source,
		cb:       cb,
		userdata: userdata,
		stop:     make(chan struct{}),
	}
	l.ios[h] = slot
	l.mu.Unlock()

	l.closeWG.Add(1)
	go l.runIO(slot)
	return h, nil
}

func (l *Loop) runIO(slot *ioSlot) {
	defer l.closeWG.Done()
	for {
		select {
		case <-slot.stop:
			return
		default:
		}
		ev := slot.source.Wait()
		select {
		case <-slot.stop:
			return
		default:
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithComponent("eventloop").Error().
						Interface("panic", r).
						Msg("io callback panicked, loop continues")
				}
			}()
			slot.cb(ev, slot.userdata)
		}()
		if ev == Closed {
			return
		}
	}
}

// DelIO removes an IO registration.
func (l *Loop) DelIO(h Handle) {
	l.mu.Lock()
	slot, ok := l.ios[h]
	if ok {
		delete(l.ios, h)
	}
	l.mu.Unlock()
	if ok {
		close(slot.stop)
	}
}

// Close tears down every registered timer and IO source and waits for
// their goroutines to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	timers := make([]*timerSlot, 0, len(l.timers))
	for _, t := range l.timers {
		timers = append(timers, t)
	}
	ios := make([]*ioSlot, 0, len(l.ios))
	for _, s := range l.ios {
		ios = append(ios, s)
	}
	l.timers = make(map[Handle]*timerSlot)
	l.ios = make(map[Handle]*ioSlot)
	l.mu.Unlock()

	for _, t := range timers {
		close(t.stop)
	}
	for _, s := range ios {
		close(s.stop)
	}
	l.closeWG.Wait()
}

// Len reports the number of currently registered timers and IO
// sources, for tests and capacity diagnostics.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size()
}
