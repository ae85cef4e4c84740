package rttvar

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAQM(t *testing.T) {
	kind, err := ParseAQM("TCN")
	require.NoError(t, err)
	assert.Equal(t, TCNQueue, kind)

	kind, err = ParseAQM("ECNSharp")
	require.NoError(t, err)
	assert.Equal(t, ECNSharpQueue, kind)

	for _, name := range []string{"", "DelayClass", "RED", "tcn"} {
		_, err = ParseAQM(name)
		assert.True(t, errors.Is(err, ErrUnknownAQM), name)
	}
}

func TestCreateQueuePolicyFreshInstances(t *testing.T) {
	qc := QueuePolicyConfig{Kind: ECNSharpQueue, MaxPackets: 10}
	first := CreateQueuePolicy(qc)
	second := CreateQueuePolicy(qc)
	assert.Equal(t, ECNSharpQueue, first.Kind())
	assert.NotSame(t, first, second)

	assert.Panics(t, func() { CreateQueuePolicy(QueuePolicyConfig{Kind: QueueKind(42)}) })
}

func TestTCNPolicy(t *testing.T) {
	tcn := CreateQueuePolicy(QueuePolicyConfig{Kind: TCNQueue, MaxPackets: 4, TCNThreshold: 80e-6})
	pckt := createPacket(1, 0, 100, 0)

	assert.Equal(t, Verdict{}, tcn.Admit(0, pckt, QueueState{Backlog: 1, Sojourn: 10e-6}))
	assert.Equal(t, Verdict{Mark: true}, tcn.Admit(0, pckt, QueueState{Backlog: 3, Sojourn: 90e-6}))
	assert.Equal(t, Verdict{Drop: true}, tcn.Admit(0, pckt, QueueState{Backlog: 4, Sojourn: 0}))
}

func TestECNSharpPolicy(t *testing.T) {
	qc := QueuePolicyConfig{Kind: ECNSharpQueue, MaxPackets: 8,
		SharpThreshold: 60e-6, SharpTarget: 10e-6, SharpInterval: 200e-6}
	esp := CreateQueuePolicy(qc)
	pckt := createPacket(1, 0, 100, 0)

	// instantaneous marking
	assert.True(t, esp.Admit(0, pckt, QueueState{Sojourn: 70e-6}).Mark)

	// persistent marking needs the sojourn above target for a whole interval
	assert.False(t, esp.Admit(1.0, pckt, QueueState{Sojourn: 20e-6}).Mark)
	assert.False(t, esp.Admit(1.0001, pckt, QueueState{Sojourn: 20e-6}).Mark)
	assert.True(t, esp.Admit(1.00025, pckt, QueueState{Sojourn: 20e-6}).Mark)

	// dropping below target resets the interval
	assert.False(t, esp.Admit(1.0003, pckt, QueueState{Sojourn: 5e-6}).Mark)
	assert.False(t, esp.Admit(1.0004, pckt, QueueState{Sojourn: 20e-6}).Mark)

	assert.True(t, esp.Admit(2.0, pckt, QueueState{Backlog: 8}).Drop)
}

func TestDelayClassPolicy(t *testing.T) {
	qc := QueuePolicyConfig{Kind: DelayClassQueue,
		DelayBindings: []DelayBinding{{Class: 0, Delay: 1}, {Class: 4, Delay: 50}}}
	dcp := CreateQueuePolicy(qc).(*DelayClassPolicy)
	assert.Equal(t, []int{0, 4}, dcp.Classes())

	pckt := createPacket(1, 0, 100, 0)
	assert.InDelta(t, 1e-6, dcp.Admit(0, pckt, QueueState{}).Hold, 1e-12)

	pckt.setDSCP(4)
	assert.InDelta(t, 50e-6, dcp.Admit(0, pckt, QueueState{}).Hold, 1e-12)

	// unknown classes get the first binding's delay
	pckt.setDSCP(9)
	verdict := dcp.Admit(0, pckt, QueueState{Backlog: 1000})
	assert.InDelta(t, 1e-6, verdict.Hold, 1e-12)
	assert.False(t, verdict.Drop)

	// rebinding a class keeps its position
	dcp.AddDelayClass(0, 3e-6)
	assert.Equal(t, []int{0, 4}, dcp.Classes())
	assert.InDelta(t, 3e-6, dcp.Admit(0, pckt, QueueState{}).Hold, 1e-12)

	empty := CreateQueuePolicy(QueuePolicyConfig{Kind: DelayClassQueue})
	assert.Equal(t, Verdict{}, empty.Admit(0, pckt, QueueState{}))
}
