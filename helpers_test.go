package rttvar

import (
	"net/netip"
	"reflect"
	"runtime"
	"strings"
)

// stepScheduler is a Scheduler whose pending events can be inspected
type stepScheduler struct {
	now    float64
	nxtID  EventID
	events []*stepEvent
}

type stepEvent struct {
	id      EventID
	at      float64
	context any
	data    any
	hdlr    EventHandlerFunc
}

func (evt *stepEvent) handlerName() string {
	return runtime.FuncForPC(reflect.ValueOf(evt.hdlr).Pointer()).Name()
}

func (ss *stepScheduler) Now() float64 { return ss.now }

func (ss *stepScheduler) Schedule(context any, data any, hdlr EventHandlerFunc, delay float64) EventID {
	ss.nxtID += 1
	ss.events = append(ss.events, &stepEvent{id: ss.nxtID, at: ss.now + delay, context: context, data: data, hdlr: hdlr})
	return ss.nxtID
}

func (ss *stepScheduler) Cancel(id EventID) {
	for idx, evt := range ss.events {
		if evt.id == id {
			ss.events = append(ss.events[:idx], ss.events[idx+1:]...)
			return
		}
	}
}

// runUntil fires pending events in time order, ties in scheduling order, up to limit
func (ss *stepScheduler) runUntil(limit float64) {
	for {
		best := -1
		for idx, evt := range ss.events {
			if evt.at > limit {
				continue
			}
			if best < 0 || evt.at < ss.events[best].at {
				best = idx
			}
		}
		if best < 0 {
			return
		}
		evt := ss.events[best]
		ss.events = append(ss.events[:best], ss.events[best+1:]...)
		ss.now = evt.at
		evt.hdlr(ss, evt.context, evt.data)
	}
}

// pending lists the events whose handler name ends with suffix
func (ss *stepScheduler) pending(suffix string) []*stepEvent {
	found := []*stepEvent{}
	for _, evt := range ss.events {
		if strings.HasSuffix(evt.handlerName(), suffix) {
			found = append(found, evt)
		}
	}
	return found
}

// fakeEndpoint notes what is done to it, and when
type fakeEndpoint struct {
	sched     Scheduler
	binds     int
	connects  int
	closes    int
	peer      netip.AddrPort
	sendTimes []float64
	packets   []*Packet
}

func (fe *fakeEndpoint) Bind() error { fe.binds += 1; return nil }

func (fe *fakeEndpoint) Connect(peer netip.AddrPort) error {
	fe.connects += 1
	fe.peer = peer
	return nil
}

func (fe *fakeEndpoint) Send(pckt *Packet) error {
	fe.sendTimes = append(fe.sendTimes, fe.sched.Now())
	fe.packets = append(fe.packets, pckt)
	return nil
}

func (fe *fakeEndpoint) Close() error { fe.closes += 1; return nil }

type recordEntry struct {
	role     RecordRole
	ms       int64
	sourceID uint32
	size     int
}

type fakeRecorder struct {
	entries []recordEntry
}

func (fr *fakeRecorder) Record(role RecordRole, timestampMs int64, sourceID uint32, size int) error {
	fr.entries = append(fr.entries, recordEntry{role, timestampMs, sourceID, size})
	return nil
}

func (fr *fakeRecorder) count(role RecordRole) int {
	n := 0
	for _, entry := range fr.entries {
		if entry.role == role {
			n += 1
		}
	}
	return n
}

// smallConfig is a fast configuration writing into dir
func smallConfig(dir string) *Config {
	cfg := DefaultConfig()
	cfg.ResultDir = dir
	cfg.OutputDir = dir
	cfg.ServerCount = 2
	cfg.LeafCount = 2
	cfg.SpineCount = 2
	cfg.LinkCount = 2
	cfg.EndTime = 0.05
	cfg.AppBandwidth = "100Mbps"
	cfg.AppSecondsChange = "0,0.04"
	cfg.ProgressInterval = 0
	return cfg
}
