package rttvar

// scheduler.go holds the event scheduling layer the rest of the simulation
// runs on.  Everything (packet transmissions, rate changes, stops, timers)
// is an event on a single virtual-time line owned by an evtm.EventManager.
//
// The EventScheduler adds two guarantees the model depends on:
//   - events scheduled for the same instant fire in the order they were scheduled
//   - cancelling an event is always safe, whether it fired, was cancelled, or never existed

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"math"
)

// EventID identifies one scheduled event.  The zero value means 'no event'
type EventID int

// EventHandlerFunc is the signature of every handler run by a Scheduler.
// context and data are whatever was passed to Schedule
type EventHandlerFunc func(sched Scheduler, context any, data any) any

// Scheduler is the discrete-event clock the traffic and fabric code is driven by
type Scheduler interface {
	// Now returns the current simulation time in seconds
	Now() float64

	// Schedule arranges for hdlr(context, data) to run delay seconds from now
	Schedule(context any, data any, hdlr EventHandlerFunc, delay float64) EventID

	// Cancel removes a pending event.  Unknown or already fired ids are ignored
	Cancel(id EventID)
}

// pendingEvent is one entry waiting in a bucket
type pendingEvent struct {
	id        EventID
	context   any
	data      any
	hdlr      EventHandlerFunc
	cancelled bool
}

// eventBucket holds every event due on one tick, in scheduling order.
// Only the bucket itself is placed on the evtm queue, so ties between
// events never depend on how evtm orders equal time-stamps
type eventBucket struct {
	tick   int64
	events []*pendingEvent
}

// EventScheduler implements Scheduler on top of evtm
type EventScheduler struct {
	evtMgr  *evtm.EventManager
	buckets map[int64]*eventBucket
	pending map[EventID]*pendingEvent
	nxtID   EventID
	fired   int
}

// ticksPerSecond is the clock resolution, one nanosecond
const ticksPerSecond int64 = 1_000_000_000

// CreateEventScheduler is a constructor.  It sets the vrtime clock to
// nanosecond ticks, the resolution bucket keys are computed in
func CreateEventScheduler() *EventScheduler {
	if vrtime.TicksPerSecond != ticksPerSecond {
		vrtime.SetTicksPerSecond(ticksPerSecond)
	}
	es := new(EventScheduler)
	es.evtMgr = evtm.New()
	es.buckets = make(map[int64]*eventBucket)
	es.pending = make(map[EventID]*pendingEvent)
	return es
}

// Now returns the current simulation time, in seconds
func (es *EventScheduler) Now() float64 {
	return es.evtMgr.CurrentSeconds()
}

// Schedule puts an event handler on the timeline.  A negative delay is treated as zero.
// The delay is rounded to a whole tick, and the bucket for that tick is what evtm fires
func (es *EventScheduler) Schedule(context any, data any, hdlr EventHandlerFunc, delay float64) EventID {
	offset := vrtime.SecondsToTicks(math.Max(delay, 0.0))
	tick := es.evtMgr.CurrentTicks() + offset

	es.nxtID += 1
	evt := &pendingEvent{id: es.nxtID, context: context, data: data, hdlr: hdlr}
	es.pending[evt.id] = evt

	// join the bucket for this tick if there is one, otherwise
	// create it and put it on the evtm queue
	bucket, present := es.buckets[tick]
	if !present {
		bucket = &eventBucket{tick: tick, events: make([]*pendingEvent, 0, 1)}
		es.buckets[tick] = bucket
		es.evtMgr.Schedule(bucket, es, fireBucket, vrtime.CreateTime(offset, 0))
	}
	bucket.events = append(bucket.events, evt)

	return evt.id
}

// Cancel marks the event as not to be run.  Idempotent
func (es *EventScheduler) Cancel(id EventID) {
	evt, present := es.pending[id]
	if !present {
		return
	}
	evt.cancelled = true
	delete(es.pending, id)
}

// Pending reports whether the event is still waiting to fire
func (es *EventScheduler) Pending(id EventID) bool {
	_, present := es.pending[id]
	return present
}

// Fired returns the number of handlers executed so far
func (es *EventScheduler) Fired() int {
	return es.fired
}

// Run executes events until the timeline passes limit (in seconds) or empties
func (es *EventScheduler) Run(limit float64) {
	es.evtMgr.Run(limit)
}

// fireBucket is the evtm handler for an eventBucket.  Events scheduled with zero
// delay while the bucket is running join the same bucket, and so run after
// everything already in it
func fireBucket(evtMgr *evtm.EventManager, context any, data any) any {
	bucket := context.(*eventBucket)
	es := data.(*EventScheduler)

	for idx := 0; idx < len(bucket.events); idx++ {
		evt := bucket.events[idx]
		if evt.cancelled {
			continue
		}
		delete(es.pending, evt.id)
		es.fired += 1
		evt.hdlr(es, evt.context, evt.data)
	}
	delete(es.buckets, bucket.tick)
	return nil
}
