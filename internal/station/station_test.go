package station

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/retry"
)

type completion struct {
	machine   string
	workOrder string
	qty       int
}

type fakeBackend struct {
	mu          sync.Mutex
	workOrder   *core.WorkOrder
	bom         []core.BOMEntry
	lots        []core.MaterialLot
	completions []completion
}

func (f *fakeBackend) MaterialLots(ctx context.Context, sess *backend.Session, machineCode string) ([]core.MaterialLot, error) {
	return f.lots, nil
}

func (f *fakeBackend) NextWorkOrder(ctx context.Context, sess *backend.Session, machineCode string) (*core.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.workOrder == nil {
		return nil, backend.ErrNoWorkOrder
	}
	wo := *f.workOrder
	return &wo, nil
}

func (f *fakeBackend) BOM(ctx context.Context, sess *backend.Session, productCode string) ([]core.BOMEntry, error) {
	return f.bom, nil
}

func (f *fakeBackend) CompleteWorkOrder(ctx context.Context, sess *backend.Session, machineCode, workOrderID string, actualQty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, completion{machineCode, workOrderID, actualQty})
	return nil
}

func (f *fakeBackend) Completions() []completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion{}, f.completions...)
}

type fakeSender struct {
	mu      sync.Mutex
	packets []core.Packet
}

func (f *fakeSender) Send(ctx context.Context, p core.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeSender) ofType(t core.PacketType) []core.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Packet
	for _, p := range f.packets {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeSender) statuses(t *testing.T) []core.StatusEvent {
	t.Helper()
	var out []core.StatusEvent
	for _, p := range f.ofType(core.PacketStatus) {
		var ev core.StatusEvent
		require.NoError(t, json.Unmarshal(p.Body, &ev))
		out = append(out, ev)
	}
	return out
}

func testRuntime(defectRate float64) *config.RuntimeConfig {
	return config.NewRuntimeConfig(&config.Config{TimeUnit: time.Millisecond, DefectRate: defectRate})
}

func testProfile() Profile {
	return Profile{Code: "MAC-A-01", Name: "Electrode", Process: "ELECTRODE", Defects: []string{"SCRATCH", "THICKNESS_ERROR"}}
}

func runStation(t *testing.T, s *Station) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("station did not stop")
		}
	})
	return cancel
}

func assertNoRepeatedStatus(t *testing.T, events []core.StatusEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1].Status, events[i].Status, "status %d repeats %s", i, events[i].Status)
	}
}

func TestHeadLimit(t *testing.T) {
	assert.Equal(t, 6, HeadLimit(4, 1.5))
	assert.Equal(t, 150, HeadLimit(100, 1.5))
	assert.Equal(t, 2, HeadLimit(1, 1.5))
	assert.Equal(t, 0, HeadLimit(0, 1.5))
	assert.Equal(t, 5, HeadLimit(5, 1.0))
}

func TestHeadStation_ProducesOverproductionTarget(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 4, ProductCode: "BAT"}}
	sender := &fakeSender{}
	out := core.NewHandoffQueue("MAC-A-01>MAC-A-02")

	s := New(Options{
		Profile: testProfile(),
		Output:  out,
		Backend: be,
		Session: backend.NewSession("W-1", "jwt"),
		Sender:  sender,
		Runtime: testRuntime(0),
		Seed:    42,
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(be.Completions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, completion{"MAC-A-01", "WO-1", 6}, be.Completions()[0])
	assert.Len(t, sender.ofType(core.PacketProduction), 6)
	assert.Equal(t, 6, out.Len())

	var ev core.ProductionEvent
	require.NoError(t, json.Unmarshal(sender.ofType(core.PacketProduction)[0].Body, &ev))
	assert.Equal(t, "MAC-A-01", ev.MachineCode)
	assert.Equal(t, 1, ev.Qty)
	assert.False(t, ev.IsBad)
	assert.Equal(t, core.DefectNone, ev.DefectType)
	assert.Equal(t, "W-1", ev.WorkerCode)
	assert.NotNil(t, ev.MaterialLotIDs)
	assert.Equal(t, "jwt", sender.ofType(core.PacketProduction)[0].Token)
}

func TestHeadStation_AllDefective(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 4, ProductCode: "BAT"}}
	sender := &fakeSender{}
	out := core.NewHandoffQueue("MAC-A-01>MAC-A-02")

	s := New(Options{
		Profile: testProfile(),
		Output:  out,
		Backend: be,
		Sender:  sender,
		Runtime: testRuntime(1),
		Seed:    7,
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(be.Completions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, be.Completions()[0].qty)
	assert.Equal(t, 0, out.Len())

	packets := sender.ofType(core.PacketProduction)
	require.Len(t, packets, 6)
	for _, p := range packets {
		var ev core.ProductionEvent
		require.NoError(t, json.Unmarshal(p.Body, &ev))
		assert.True(t, ev.IsBad)
		assert.Contains(t, testProfile().Defects, ev.DefectType)
	}
	assert.Equal(t, 6, s.Snapshot().BadQty)
}

func TestStation_StatusSequenceWithStarvation(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 10, ProductCode: "BAT"}}
	sender := &fakeSender{}
	in := core.NewHandoffQueue("MAC-A-01>MAC-A-02")
	for i := 0; i < 3; i++ {
		in.Push(core.Token)
	}

	s := New(Options{
		Profile:           Profile{Code: "MAC-A-02", Process: "ASSEMBLY"},
		Input:             in,
		Backend:           be,
		Sender:            sender,
		Runtime:           testRuntime(0),
		StarvationWarn:    2,
		StarvationTimeout: 4,
		Seed:              1,
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(sender.statuses(t)) >= 5 }, 2*time.Second, 5*time.Millisecond)

	require.Len(t, be.Completions(), 1)
	assert.Equal(t, 3, be.Completions()[0].qty)
	assert.Len(t, sender.ofType(core.PacketProduction), 3)

	events := sender.statuses(t)
	want := []struct {
		status core.Status
		reason string
	}{
		{core.StatusWait, core.ReasonReadyForWork},
		{core.StatusRun, core.ReasonStartPrefix + "WO-1"},
		{core.StatusWait, core.ReasonNoMaterial},
		{core.StatusStop, core.ReasonMaterialTimeout},
		{core.StatusWait, core.ReasonBatchCompleted},
	}
	for i, w := range want {
		assert.Equal(t, w.status, events[i].Status, "event %d", i)
		assert.Equal(t, w.reason, events[i].Reason, "event %d", i)
		assert.Equal(t, "MAC-A-02", events[i].MachineCode)
	}
	assertNoRepeatedStatus(t, events)
}

func TestStation_ResumesWhenMaterialArrives(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 10, ProductCode: "BAT"}}
	sender := &fakeSender{}
	in := core.NewHandoffQueue("MAC-A-01>MAC-A-02")

	s := New(Options{
		Profile:           Profile{Code: "MAC-A-02"},
		Input:             in,
		Backend:           be,
		Sender:            sender,
		Runtime:           testRuntime(0),
		StarvationWarn:    2,
		StarvationTimeout: 100000,
		Seed:              1,
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return s.Status() == core.StatusWait && len(sender.statuses(t)) >= 3 }, 2*time.Second, 5*time.Millisecond)
	in.Push(core.Token)

	require.Eventually(t, func() bool { return len(sender.ofType(core.PacketProduction)) == 1 }, 2*time.Second, 5*time.Millisecond)

	events := sender.statuses(t)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, core.ReasonNoMaterial, events[2].Reason)
	assert.Equal(t, core.StatusRun, events[3].Status)
	assert.Equal(t, core.ReasonResumeWork, events[3].Reason)
	assertNoRepeatedStatus(t, events)
	assert.Empty(t, be.Completions())
}

func TestStation_OnePacketPerDequeuedUnit(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 50, ProductCode: "BAT"}}
	sender := &fakeSender{}
	in := core.NewHandoffQueue("a>b")
	for i := 0; i < 5; i++ {
		in.Push(core.Token)
	}

	s := New(Options{
		Profile:           Profile{Code: "MAC-A-03"},
		Input:             in,
		Backend:           be,
		Sender:            sender,
		Runtime:           testRuntime(0),
		StarvationWarn:    1,
		StarvationTimeout: 2,
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(be.Completions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sender.ofType(core.PacketProduction), 5)
	assert.Equal(t, 5, be.Completions()[0].qty)
}

func TestStation_SkipsLastCompletedWorkOrder(t *testing.T) {
	be := &fakeBackend{workOrder: &core.WorkOrder{ID: "WO-1", PlannedQuantity: 2, ProductCode: "BAT"}}
	sender := &fakeSender{}

	s := New(Options{
		Profile: testProfile(),
		Backend: be,
		Sender:  sender,
		Runtime: testRuntime(0),
	})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(be.Completions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	produced := len(sender.ofType(core.PacketProduction))

	// several idle polls with the same order served again
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, be.Completions(), 1)
	assert.Equal(t, produced, len(sender.ofType(core.PacketProduction)))
	assert.Equal(t, "WO-1", s.Snapshot().LastCompleted)
	assert.Equal(t, core.StatusWait, s.Status())
}

func TestStation_IdleWithoutWorkOrder(t *testing.T) {
	be := &fakeBackend{}
	sender := &fakeSender{}

	s := New(Options{Profile: testProfile(), Backend: be, Sender: sender, Runtime: testRuntime(0)})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(sender.ofType(core.PacketSensor)) >= 2 }, 2*time.Second, 5*time.Millisecond)

	events := sender.statuses(t)
	require.Len(t, events, 1)
	assert.Equal(t, core.ReasonReadyForWork, events[0].Reason)
	assert.Empty(t, sender.ofType(core.PacketProduction))
}

func TestStation_SensorPackets(t *testing.T) {
	sender := &fakeSender{}
	s := New(Options{Profile: testProfile(), Backend: &fakeBackend{}, Sender: sender, Runtime: testRuntime(0)})
	runStation(t, s)

	require.Eventually(t, func() bool { return len(sender.ofType(core.PacketSensor)) >= 3 }, 2*time.Second, 5*time.Millisecond)

	for _, p := range sender.ofType(core.PacketSensor) {
		var ev core.SensorEvent
		require.NoError(t, json.Unmarshal(p.Body, &ev))
		assert.Equal(t, "MAC-A-01", ev.MachineCode)
		assert.InDelta(t, 25, ev.Data.Temperature, 2.0)
		assert.InDelta(t, 45, ev.Data.Humidity, 5.0)
		assert.InDelta(t, 220, ev.Data.Voltage, 3.0)
		_, err := time.Parse(core.TimestampLayout, ev.Timestamp)
		assert.NoError(t, err)
	}
}

func TestStation_InitializeLoadsLots(t *testing.T) {
	be := &fakeBackend{lots: []core.MaterialLot{{MaterialLotID: 11}, {MaterialLotID: 12}}}

	s := New(Options{Profile: testProfile(), Backend: be, Session: backend.NewSession("W", "jwt")})
	s.Initialize(context.Background())
	assert.Equal(t, []int64{11, 12}, s.mountedLots)

	anon := New(Options{Profile: testProfile(), Backend: be})
	anon.Initialize(context.Background())
	assert.Empty(t, anon.mountedLots)
}

func TestStation_InitialStatusIsStop(t *testing.T) {
	s := New(Options{Profile: testProfile(), Backend: &fakeBackend{}})
	assert.Equal(t, core.StatusStop, s.Status())
	assert.True(t, s.IsHead())
}

func TestDrawDefect_Rate(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	p := testProfile()

	const n = 200000
	bad := 0
	for i := 0; i < n; i++ {
		isBad, defect := drawDefect(rng, 0.05, p)
		if isBad {
			bad++
			assert.Contains(t, p.Defects, defect)
		} else {
			assert.Equal(t, core.DefectNone, defect)
		}
	}
	assert.InDelta(t, 0.05, float64(bad)/n, 0.005)
}

func TestDrawDefect_UnknownStation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	isBad, defect := drawDefect(rng, 1, Profile{Code: "MAC-X-99"})
	assert.True(t, isBad)
	assert.Equal(t, DefectUnknown, defect)
}

func TestConsumptionLog(t *testing.T) {
	bom := []core.BOMEntry{
		{MaterialName: "Lead", Quantity: 6, Unit: "KG", Process: "ELECTRODE"},
		{MaterialName: "Cathode plate", Quantity: 5, Unit: "EA", Process: "ELECTRODE"},
		{MaterialName: "Case", Quantity: 1, Unit: "EA", Process: "PACK"},
	}

	p := Profile{Process: "ELECTRODE"}
	assert.Equal(t, "consumed: Lead(6.00KG), Cathode plate(5.00EA)", p.ConsumptionLog(bom))
	assert.Equal(t, "no material consumed", Profile{Process: "ASSEMBLY"}.ConsumptionLog(bom))
	assert.Equal(t, "process running", Profile{}.ConsumptionLog(bom))
	assert.Equal(t, "no material consumed", p.ConsumptionLog(nil))
}

func TestLink_FramesPackets(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	link := NewLink(ln.Addr().String(), "MAC-A-01")
	defer link.Close()

	for _, typ := range []core.PacketType{core.PacketSensor, core.PacketStatus} {
		p, err := core.NewPacket(typ, "t1", map[string]string{"machineCode": "MAC-A-01"})
		require.NoError(t, err)
		require.NoError(t, link.Send(context.Background(), p))
	}

	for _, want := range []core.PacketType{core.PacketSensor, core.PacketStatus} {
		select {
		case line := <-lines:
			var p core.Packet
			require.NoError(t, json.Unmarshal([]byte(line), &p))
			assert.Equal(t, want, p.Type)
			assert.Equal(t, "t1", p.Token)
			assert.JSONEq(t, `{"machineCode":"MAC-A-01"}`, string(p.Body))
		case <-time.After(2 * time.Second):
			t.Fatal("frame not received")
		}
	}
}

func TestLink_RedialsAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func() {
				defer conn.Close()
				bufio.NewScanner(conn).Scan()
			}()
		}
	}()

	link := NewLink(ln.Addr().String(), "MAC-A-01")
	p, _ := core.NewPacket(core.PacketSensor, "", struct{}{})

	require.NoError(t, link.Send(context.Background(), p))
	require.NoError(t, link.Close())
	require.NoError(t, link.Send(context.Background(), p))
	defer link.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d not accepted", i+1)
		}
	}
}

func TestLink_UnreachableCollector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	link := NewLink(addr, "MAC-A-01")
	link.SetRetryConfig(retry.Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1})
	p, _ := core.NewPacket(core.PacketSensor, "", struct{}{})

	err = link.Send(context.Background(), p)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCollectorUnavailable)

	// While backing off, sends fail without dialing or sleeping
	start := time.Now()
	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, link.Send(context.Background(), p), ErrCollectorUnavailable)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLink_RedialsAfterBackoff(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	lines := make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	link := NewLink(deadAddr, "MAC-A-01")
	defer link.Close()
	link.SetRetryConfig(retry.Config{InitialDelay: 200 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 1})
	p, _ := core.NewPacket(core.PacketStatus, "t1", map[string]string{"status": "RUN"})

	require.Error(t, link.Send(context.Background(), p))

	link.mu.Lock()
	link.addr = ln.Addr().String()
	link.mu.Unlock()
	assert.ErrorIs(t, link.Send(context.Background(), p), ErrCollectorUnavailable)

	require.Eventually(t, func() bool {
		return link.Send(context.Background(), p) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case line := <-lines:
		assert.Contains(t, line, `"Type":"STATUS"`)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received after redial")
	}
}
