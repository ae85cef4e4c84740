package rttvar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendLabel(sched Scheduler, context any, data any) any {
	order := context.(*[]string)
	*order = append(*order, data.(string))
	return nil
}

func TestSchedulerSameInstantFIFO(t *testing.T) {
	es := CreateEventScheduler()
	order := []string{}

	es.Schedule(&order, "a", appendLabel, 0.5)
	es.Schedule(&order, "early", appendLabel, 0.25)
	es.Schedule(&order, "b", appendLabel, 0.5)
	es.Schedule(&order, "c", appendLabel, 0.5)

	es.Run(1.0)
	assert.Equal(t, []string{"early", "a", "b", "c"}, order)
	assert.Equal(t, 4, es.Fired())
}

func TestSchedulerSameTickFIFO(t *testing.T) {
	es := CreateEventScheduler()
	order := []string{}

	// all three round to the same nanosecond tick
	es.Schedule(&order, "a", appendLabel, 1.0000000002)
	es.Schedule(&order, "b", appendLabel, 1.0000000004)
	es.Schedule(&order, "c", appendLabel, 1.0000000001)
	es.Schedule(&order, "later", appendLabel, 1.000000001)

	es.Run(2.0)
	assert.Equal(t, []string{"a", "b", "c", "later"}, order)
}

func TestSchedulerZeroDelayRunsAfterCurrentInstant(t *testing.T) {
	es := CreateEventScheduler()
	order := []string{}

	chain := func(sched Scheduler, context any, data any) any {
		appendLabel(sched, context, data)
		sched.Schedule(context, "chained", appendLabel, 0.0)
		return nil
	}
	es.Schedule(&order, "first", chain, 0.1)
	es.Schedule(&order, "second", appendLabel, 0.1)

	es.Run(1.0)
	assert.Equal(t, []string{"first", "second", "chained"}, order)
}

func TestSchedulerCancel(t *testing.T) {
	es := CreateEventScheduler()
	order := []string{}

	keep := es.Schedule(&order, "keep", appendLabel, 0.2)
	drop := es.Schedule(&order, "drop", appendLabel, 0.2)
	assert.True(t, es.Pending(drop))

	es.Cancel(drop)
	assert.False(t, es.Pending(drop))
	require.NotPanics(t, func() {
		es.Cancel(drop)
		es.Cancel(0)
		es.Cancel(EventID(9999))
	})

	es.Run(1.0)
	assert.Equal(t, []string{"keep"}, order)
	assert.False(t, es.Pending(keep))

	// cancelling an event that already fired is harmless
	require.NotPanics(t, func() { es.Cancel(keep) })
}

func TestSchedulerNow(t *testing.T) {
	es := CreateEventScheduler()
	seen := []float64{}
	record := func(sched Scheduler, context any, data any) any {
		seen = append(seen, sched.Now())
		return nil
	}
	es.Schedule(nil, nil, record, 0.125)
	es.Schedule(nil, nil, record, 0.375)
	es.Run(1.0)

	require.Len(t, seen, 2)
	assert.InDelta(t, 0.125, seen[0], 1e-9)
	assert.InDelta(t, 0.375, seen[1], 1e-9)
}
