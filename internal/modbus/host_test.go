package modbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	goburrow "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

// step is one scripted wire exchange: the response bytes or an error.
type step struct {
	data []byte
	err  error
}

// fakeConn is a scripted transport. Every register operation consumes the next
// step; the fake also tracks concurrency depth so tests can assert that the
// host never lets two exchanges overlap.
type fakeConn struct {
	mu         sync.Mutex
	steps      []step
	calls      int
	connects   int
	closes     int
	connectErr error
	unitIDs    []byte
	opDelay    time.Duration

	depth    atomic.Int32
	maxDepth atomic.Int32
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConn) SetUnitID(id byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unitIDs = append(f.unitIDs, id)
}

func (f *fakeConn) next() ([]byte, error) {
	d := f.depth.Add(1)
	for {
		m := f.maxDepth.Load()
		if d <= m || f.maxDepth.CompareAndSwap(m, d) {
			break
		}
	}
	defer f.depth.Add(-1)

	if f.opDelay > 0 {
		time.Sleep(f.opDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.steps) {
		f.calls++
		return nil, errors.New("script exhausted")
	}
	s := f.steps[f.calls]
	f.calls++
	return s.data, s.err
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConn) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeConn) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.next()
}
func (f *fakeConn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.next()
}
func (f *fakeConn) ReadCoils(address, quantity uint16) ([]byte, error) {
	return f.next()
}
func (f *fakeConn) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return f.next()
}
func (f *fakeConn) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return f.next()
}

func testHost(conn *fakeConn, maxRetries int) *Host {
	return newHost(HostConfig{
		Host:       "device.local",
		Port:       502,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
		Dialer: func(address string, timeout time.Duration) Conn {
			return conn
		},
	}, zerolog.Nop(), nil)
}

func TestReadSucceedsAfterRetries(t *testing.T) {
	protocolErr := &goburrow.ModbusError{ExceptionCode: 0x06}
	conn := &fakeConn{steps: []step{
		{err: protocolErr},
		{err: protocolErr},
		{data: []byte{0x04, 0x33}},
	}}
	h := testHost(conn, 3)

	values, err := h.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 1 || values[0] != 0x0433 {
		t.Errorf("expected [0x0433], got %v", values)
	}
	if got := conn.callCount(); got != 3 {
		t.Errorf("expected exactly 3 wire calls, got %d", got)
	}
	if got := h.Stats().Retries.Load(); got != 2 {
		t.Errorf("expected 2 retries, got %d", got)
	}
}

func TestReadRetriesExhausted(t *testing.T) {
	protocolErr := &goburrow.ModbusError{ExceptionCode: 0x04}
	conn := &fakeConn{steps: []step{
		{err: protocolErr},
		{err: protocolErr},
		{err: protocolErr},
	}}
	h := testHost(conn, 3)

	_, err := h.ReadInputRegisters(context.Background(), 1, 0, 1)
	if !errors.Is(err, domain.ErrReadExhausted) {
		t.Fatalf("expected ErrReadExhausted, got %v", err)
	}
	if got := conn.callCount(); got != 3 {
		t.Errorf("expected exactly MaxRetries (3) wire calls, got %d", got)
	}
	if got := h.Stats().ReadFailures.Load(); got != 1 {
		t.Errorf("expected 1 read failure, got %d", got)
	}
}

func TestShortResponseRejectedAndRetried(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{data: []byte{0x01}}, // one byte for a one-register read
		{data: []byte{0x01, 0xF4}},
	}}
	h := testHost(conn, 3)

	values, err := h.ReadHoldingRegisters(context.Background(), 1, 3, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values[0] != 500 {
		t.Errorf("expected 500, got %d", values[0])
	}
	if got := conn.callCount(); got != 2 {
		t.Errorf("expected 2 wire calls, got %d", got)
	}
}

func TestReadCoilsDecodesPackedBits(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{data: []byte{0x05}}, // bits 0 and 2 set
	}}
	h := testHost(conn, 3)

	values, err := h.ReadCoils(context.Background(), 1, 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []bool{true, false, true}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("coil %d: expected %v, got %v", i, want[i], values[i])
		}
	}
}

func TestReadCoilSingleAttempt(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: &goburrow.ModbusError{ExceptionCode: 0x02}},
	}}
	h := testHost(conn, 3)

	_, err := h.ReadCoil(context.Background(), 1, 0)
	if !errors.Is(err, domain.ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
	if got := conn.callCount(); got != 1 {
		t.Errorf("single-coil read must not retry: expected 1 wire call, got %d", got)
	}
}

func TestReadCoilValue(t *testing.T) {
	conn := &fakeConn{steps: []step{{data: []byte{0x01}}}}
	h := testHost(conn, 3)

	on, err := h.ReadCoil(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !on {
		t.Error("expected coil on")
	}
}

func TestWriteRegisterSingleAttempt(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: &goburrow.ModbusError{ExceptionCode: 0x04}},
	}}
	h := testHost(conn, 3)

	err := h.WriteRegister(context.Background(), 1, 3, 1075)
	if !errors.Is(err, domain.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if got := conn.callCount(); got != 1 {
		t.Errorf("writes must not retry: expected 1 wire call, got %d", got)
	}
	if got := h.Stats().WriteFailures.Load(); got != 1 {
		t.Errorf("expected 1 write failure, got %d", got)
	}
}

func TestWriteRegisterSuccess(t *testing.T) {
	conn := &fakeConn{steps: []step{{data: []byte{0x00, 0x03, 0x04, 0x33}}}}
	h := testHost(conn, 3)

	if err := h.WriteRegister(context.Background(), 1, 3, 1075); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.callCount(); got != 1 {
		t.Errorf("expected 1 wire call, got %d", got)
	}
	if got := h.Stats().Writes.Load(); got != 1 {
		t.Errorf("expected 1 write recorded, got %d", got)
	}
}

func TestWriteCoilSingleAttemptOnTransportFault(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: errors.New("broken pipe")},
	}}
	h := testHost(conn, 3)

	err := h.WriteCoil(context.Background(), 1, 0, true)
	if !errors.Is(err, domain.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if got := conn.callCount(); got != 1 {
		t.Errorf("expected 1 wire call, got %d", got)
	}
}

func TestTransportFaultForcesReconnect(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: errors.New("connection reset")},
		{data: []byte{0x00, 0x01}},
	}}
	h := testHost(conn, 3)

	if _, err := h.ReadHoldingRegisters(context.Background(), 1, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.connectCount(); got != 2 {
		t.Errorf("expected reconnect after transport fault (2 dials), got %d", got)
	}
}

func TestProtocolExceptionKeepsSession(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: &goburrow.ModbusError{ExceptionCode: 0x06}},
		{data: []byte{0x00, 0x01}},
	}}
	h := testHost(conn, 3)

	if _, err := h.ReadHoldingRegisters(context.Background(), 1, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.connectCount(); got != 1 {
		t.Errorf("protocol exception must not reconnect: expected 1 dial, got %d", got)
	}
}

func TestConnectionReusedAcrossOperations(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{data: []byte{0x00, 0x01}},
		{data: []byte{0x00, 0x02}},
	}}
	h := testHost(conn, 3)

	ctx := context.Background()
	if _, err := h.ReadHoldingRegisters(ctx, 1, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.ReadInputRegisters(ctx, 1, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.connectCount(); got != 1 {
		t.Errorf("expected 1 dial across operations, got %d", got)
	}
	if !h.Connected() {
		t.Error("expected host to remain connected")
	}
}

func TestUnitIDSetInsideCriticalSection(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{data: []byte{0x00, 0x01}},
		{data: []byte{0x00, 0x02}},
	}}
	h := testHost(conn, 3)

	ctx := context.Background()
	if _, err := h.ReadHoldingRegisters(ctx, 7, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.ReadHoldingRegisters(ctx, 9, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.unitIDs) != 2 || conn.unitIDs[0] != 7 || conn.unitIDs[1] != 9 {
		t.Errorf("expected unit IDs [7 9], got %v", conn.unitIDs)
	}
}

func TestOperationsSerializedPerHost(t *testing.T) {
	const workers = 8
	steps := make([]step, workers)
	for i := range steps {
		steps[i] = step{data: []byte{0x00, 0x01}}
	}
	conn := &fakeConn{steps: steps, opDelay: 2 * time.Millisecond}
	h := testHost(conn, 1)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.ReadHoldingRegisters(context.Background(), 1, 0, 1)
		}()
	}
	wg.Wait()

	if depth := conn.maxDepth.Load(); depth > 1 {
		t.Errorf("host let %d exchanges overlap, want at most 1", depth)
	}
	if got := conn.callCount(); got != workers {
		t.Errorf("expected %d wire calls, got %d", workers, got)
	}
}

// blockingConn rendezvouses with a peer: its single read signals its own
// start and waits for the peer to start. Completion proves both hosts were
// on the wire at the same time.
type blockingConn struct {
	fakeConn
	started chan struct{}
	peer    chan struct{}
}

func (b *blockingConn) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	close(b.started)
	<-b.peer
	return []byte{0x00, 0x01}, nil
}

func TestIndependentHostsOperateInParallel(t *testing.T) {
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	connA := &blockingConn{started: aStarted, peer: bStarted}
	connB := &blockingConn{started: bStarted, peer: aStarted}

	reg := NewRegistry(HostConfig{
		MaxRetries: 1,
		Timeout:    time.Second,
	}, zerolog.Nop(), nil)
	reg.defaults.Dialer = func(address string, timeout time.Duration) Conn {
		if address == "a.local:502" {
			return connA
		}
		return connB
	}

	hostA, err := reg.Acquire("a.local", 502)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	hostB, err := reg.Acquire("b.local", 502)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	done := make(chan error, 2)
	go func() {
		_, err := hostA.ReadHoldingRegisters(context.Background(), 1, 0, 1)
		done <- err
	}()
	go func() {
		_, err := hostB.ReadHoldingRegisters(context.Background(), 1, 0, 1)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("independent hosts blocked each other")
		}
	}
}

func TestReadZeroCountRejected(t *testing.T) {
	conn := &fakeConn{}
	h := testHost(conn, 3)

	_, err := h.ReadHoldingRegisters(context.Background(), 1, 0, 0)
	if !errors.Is(err, domain.ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
	if got := conn.callCount(); got != 0 {
		t.Errorf("expected no wire calls, got %d", got)
	}
}

func TestRetryCanceledByContext(t *testing.T) {
	conn := &fakeConn{steps: []step{
		{err: &goburrow.ModbusError{ExceptionCode: 0x06}},
	}}
	h := newHost(HostConfig{
		Host:       "device.local",
		Port:       502,
		MaxRetries: 3,
		RetryDelay: time.Minute,
		Dialer: func(address string, timeout time.Duration) Conn {
			return conn
		},
	}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.ReadHoldingRegisters(ctx, 1, 0, 1)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation should interrupt the retry delay, took %v", elapsed)
	}
	if got := conn.callCount(); got != 1 {
		t.Errorf("expected 1 wire call before cancellation, got %d", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := &fakeConn{steps: []step{{data: []byte{0x00, 0x01}}}}
	h := testHost(conn, 3)

	if _, err := h.ReadHoldingRegisters(context.Background(), 1, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := h.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if h.Connected() {
		t.Error("expected disconnected host")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closes != 1 {
		t.Errorf("expected exactly 1 close, got %d", conn.closes)
	}
}
