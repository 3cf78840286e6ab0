package core

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffQueue_FIFO(t *testing.T) {
	q := NewHandoffQueue("a>b")

	for _, tok := range []string{"1", "2", "3"} {
		q.Push(tok)
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"1", "2", "3"} {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestHandoffQueue_InterleavedPushPop(t *testing.T) {
	q := NewHandoffQueue("a>b")

	q.Push("1")
	q.Push("2")
	got, _ := q.TryPop()
	assert.Equal(t, "1", got)
	q.Push("3")
	got, _ = q.TryPop()
	assert.Equal(t, "2", got)
	got, _ = q.TryPop()
	assert.Equal(t, "3", got)
}

func TestHandoffQueue_ProducerConsumer(t *testing.T) {
	q := NewHandoffQueue("a>b")
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(Token)
		}
	}()

	received := 0
	for received < n {
		if _, ok := q.TryPop(); ok {
			received++
		}
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestEnvironment_StaysInBand(t *testing.T) {
	env := NewEnvironment(42)

	for i := 0; i < 10000; i++ {
		d := env.Step()
		require.GreaterOrEqual(t, d.Temperature, TemperatureBand.Min)
		require.LessOrEqual(t, d.Temperature, TemperatureBand.Max)
		require.GreaterOrEqual(t, d.Humidity, HumidityBand.Min)
		require.LessOrEqual(t, d.Humidity, HumidityBand.Max)
		require.GreaterOrEqual(t, d.Voltage, VoltageBand.Min)
		require.LessOrEqual(t, d.Voltage, VoltageBand.Max)
	}
}

func TestEnvironment_InitialSnapshot(t *testing.T) {
	env := NewEnvironment(1)
	assert.Equal(t, EnvData{Temperature: 25, Humidity: 45, Voltage: 220}, env.Snapshot())
}

func TestNewPacket_WireShape(t *testing.T) {
	p, err := NewPacket(PacketStatus, "t1", StatusEvent{
		MachineCode: "MAC-A-01",
		WorkerCode:  "W1",
		Status:      StatusWait,
		Reason:      ReasonIdle,
		Timestamp:   "2026-01-01T10:00:00",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "STATUS", decoded["Type"])
	assert.Equal(t, "t1", decoded["Token"])
	body := decoded["Body"].(map[string]interface{})
	assert.Equal(t, "WAIT", body["status"])
	assert.Equal(t, "IDLE", body["reason"])
	assert.Equal(t, "MAC-A-01", body["machineCode"])
}

func TestStatus_OPCUAValue(t *testing.T) {
	assert.Equal(t, int32(0), StatusStop.OPCUAValue())
	assert.Equal(t, int32(1), StatusRun.OPCUAValue())
	assert.Equal(t, int32(2), StatusWait.OPCUAValue())
}
