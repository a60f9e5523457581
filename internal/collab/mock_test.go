package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/store"
	"github.com/manpreetbhatti/lattice/collab/internal/wire"
	"github.com/manpreetbhatti/lattice/collab/internal/ydoc"
)

var errMockSend = errors.New("mock: send failed")

// Records frames queued for a client
type MockConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
	failSend  bool
}

func (m *MockConn) SendFrame(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return errMockSend
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return nil
}

func (m *MockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCode = code
	return nil
}

func (m *MockConn) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.frames))
	copy(result, m.frames)
	return result
}

func (m *MockConn) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

func (m *MockConn) Closed() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode
}

// In-memory store with optional gates and injected failures
type mockStore struct {
	mu      sync.Mutex
	docs    map[string]store.Snapshot
	loads   int
	upserts int

	loadErr   error
	upsertErr error
	failDocs  map[string]bool

	loadGate      chan struct{}
	upsertGate    chan struct{}
	upsertStarted chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		docs:     make(map[string]store.Snapshot),
		failDocs: make(map[string]bool),
	}
}

func (m *mockStore) Load(ctx context.Context, documentID string) (*store.Snapshot, error) {
	m.mu.Lock()
	m.loads++
	gate := m.loadGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	snap, ok := m.docs[documentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *mockStore) Upsert(ctx context.Context, documentID string, data []byte, version int64) error {
	m.mu.Lock()
	gate, started := m.upsertGate, m.upsertStarted
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if m.failDocs[documentID] {
		return errors.New("mock: write rejected")
	}
	m.upserts++
	m.docs[documentID] = store.Snapshot{
		DocumentID: documentID,
		Data:       append([]byte(nil), data...),
		Version:    version,
		UpdatedAt:  time.Now(),
	}
	return nil
}

func (m *mockStore) get(documentID string) (store.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.docs[documentID]
	return snap, ok
}

func (m *mockStore) counts() (loads, upserts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.upserts
}

func (m *mockStore) set(fn func(m *mockStore)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Virtual clock; timers fire synchronously from Advance
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due, pending []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case t.at <= c.now:
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

const testIdleTimeout = 30 * time.Second

func setupTestCoordinator(t *testing.T) (*Coordinator, *mockStore, *fakeClock) {
	t.Helper()
	st := newMockStore()
	clk := &fakeClock{}
	return newTestCoordinator(st, clk), st, clk
}

func newTestCoordinator(st store.Store, clk Clock) *Coordinator {
	return New(Options{
		Store:        st,
		Logger:       zerolog.Nop(),
		Clock:        clk,
		IdleTimeout:  testIdleTimeout,
		StoreTimeout: 2 * time.Second,
	})
}

func connect(t *testing.T, c *Coordinator, documentID, userID string) (*Session, *MockConn) {
	t.Helper()
	conn := &MockConn{}
	s, err := c.Connect(documentID, userID, conn)
	if err != nil {
		t.Fatalf("Connect %s/%s failed: %v", documentID, userID, err)
	}
	return s, conn
}

func waitLoaded(t *testing.T, c *Coordinator, r *Room) {
	t.Helper()
	select {
	case <-c.KickoffLoad(r):
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for document load")
	}
	if state := r.LoadState(); state != LoadLoaded {
		t.Fatalf("Expected room loaded, got %s", state)
	}
}

// Simulates one editing client
type peer struct {
	client uint64
	doc    *ydoc.Doc
}

func newPeer(client uint64) *peer {
	return &peer{client: client, doc: ydoc.New()}
}

func (p *peer) edit(content string) []byte {
	return protocol.EncodeSyncUpdate(p.doc.Append(p.client, []byte(content)))
}

func awarenessFrame(entries ...protocol.AwarenessEntry) []byte {
	return protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(entries))
}

type decodedFrame struct {
	typ     protocol.MessageType
	step    protocol.SyncStep
	payload []byte
}

func decodeFrame(t *testing.T, frame []byte) decodedFrame {
	t.Helper()
	typ, dec, err := protocol.ReadMessageType(frame)
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	out := decodedFrame{typ: typ}
	if typ == protocol.MessageSync {
		step, err := dec.ReadVarUint()
		if err != nil {
			t.Fatalf("Failed to read sync step: %v", err)
		}
		out.step = protocol.SyncStep(step)
	}
	if typ != protocol.MessageAwarenessQuery {
		out.payload, err = dec.ReadVarBytes()
		if err != nil {
			t.Fatalf("Failed to read payload: %v", err)
		}
	}
	return out
}

func decodeAwareness(t *testing.T, frame []byte) []protocol.AwarenessEntry {
	t.Helper()
	f := decodeFrame(t, frame)
	if f.typ != protocol.MessageAwareness {
		t.Fatalf("Expected awareness frame, got %s", f.typ)
	}
	entries, err := protocol.DecodeAwarenessUpdate(f.payload)
	if err != nil {
		t.Fatalf("Failed to decode awareness update: %v", err)
	}
	return entries
}

// docFrom builds a document from a sync payload carrying an update
func docFrom(t *testing.T, update []byte) *ydoc.Doc {
	t.Helper()
	doc := ydoc.New()
	if _, err := doc.ApplyUpdate(update); err != nil {
		t.Fatalf("Failed to apply update: %v", err)
	}
	return doc
}

func syncStep1Frame(doc *ydoc.Doc) []byte {
	return protocol.EncodeSyncStep1(doc.EncodeStateVector())
}

func garbageFrame() []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(protocol.MessageSync))
	enc.WriteVarUint(uint64(protocol.SyncUpdate))
	enc.WriteVarUint(50)
	enc.WriteRaw([]byte{1, 2})
	return enc.Bytes()
}
