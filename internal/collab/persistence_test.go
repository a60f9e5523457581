package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/store"
	"github.com/manpreetbhatti/lattice/collab/internal/ydoc"
)

func TestConcurrentConnectsShareOneLoad(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)
	gate := make(chan struct{})
	st.set(func(m *mockStore) { m.loadGate = gate })

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	pending := c.KickoffLoad(r)
	connect(t, c, "doc1", "bob")
	connect(t, c, "doc1", "carol")

	assert.Equal(t, LoadLoading, r.LoadState())

	close(gate)
	select {
	case <-pending:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for load")
	}

	loads, _ := st.counts()
	assert.Equal(t, 1, loads)
	assert.Equal(t, LoadLoaded, r.LoadState())

	// Loaded rooms are never read again
	<-c.KickoffLoad(r)
	loads, _ = st.counts()
	assert.Equal(t, 1, loads)
}

func TestConcurrentKickoffLoadReadsOnce(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)
	gate := make(chan struct{})
	st.set(func(m *mockStore) { m.loadGate = gate })
	r := c.GetOrCreate("doc1")

	const n = 16
	start := make(chan struct{})
	waits := make([]<-chan struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			waits[i] = c.KickoffLoad(r)
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, LoadLoading, r.LoadState())
	close(gate)

	for _, wait := range waits {
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for load")
		}
	}
	loads, _ := st.counts()
	assert.Equal(t, 1, loads)
	assert.Equal(t, LoadLoaded, r.LoadState())
}

func TestLoadFailureAllowsRetry(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)
	st.set(func(m *mockStore) { m.loadErr = errors.New("database is locked") })

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	<-c.KickoffLoad(r)
	assert.Equal(t, LoadNotLoaded, r.LoadState())

	st.set(func(m *mockStore) { m.loadErr = nil })
	waitLoaded(t, c, r)

	loads, _ := st.counts()
	if loads < 2 {
		t.Errorf("Expected a retried load, got %d loads", loads)
	}
}

func TestLoadedSnapshotBroadcastToMembers(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)

	stored := ydoc.New()
	stored.Append(3, []byte("persisted"))
	data, _ := stored.EncodeStateAsUpdate(nil)
	st.docs["doc1"] = store.Snapshot{DocumentID: "doc1", Data: data, Version: 41}

	gate := make(chan struct{})
	st.set(func(m *mockStore) { m.loadGate = gate })

	alice, aliceConn := connect(t, c, "doc1", "alice")
	aliceConn.Reset()
	close(gate)
	waitLoaded(t, c, alice.Room())

	frames := aliceConn.Frames()
	if len(frames) != 1 {
		t.Fatalf("Expected loaded state to be broadcast, got %d frames", len(frames))
	}
	f := decodeFrame(t, frames[0])
	assert.Equal(t, protocol.SyncUpdate, f.step)
	assert.Equal(t, 1, docFrom(t, f.payload).Len())

	status := alice.Room().Status()
	assert.Equal(t, false, status.Dirty)
	assert.Equal(t, int64(41), status.Version)
}

func TestUnreadableSnapshotNotOverwritten(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)
	st.docs["doc1"] = store.Snapshot{DocumentID: "doc1", Data: []byte{9, 9, 9}, Version: 3}

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	<-c.KickoffLoad(r)
	<-c.KickoffLoad(r)
	assert.Equal(t, LoadNotLoaded, r.LoadState())

	c.HandleFrame(alice, newPeer(1).edit("edit"))
	err := c.FlushRoom(context.Background(), r)
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Expected ErrNotLoaded, got %v", err)
	}
	snap, _ := st.get("doc1")
	assert.Equal(t, []byte{9, 9, 9}, snap.Data)
}

func TestFlushRoomWritesState(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	waitLoaded(t, c, r)

	// Clean rooms are not written
	if err := c.FlushRoom(context.Background(), r); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, upserts := st.counts()
	assert.Equal(t, 0, upserts)

	p := newPeer(1)
	c.HandleFrame(alice, p.edit("a"))
	c.HandleFrame(alice, p.edit("b"))
	if err := c.FlushRoom(context.Background(), r); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap, ok := st.get("doc1")
	if !ok {
		t.Fatal("Snapshot should be stored")
	}
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, 2, docFrom(t, snap.Data).Len())
	assert.Equal(t, false, r.IsDirty())
}

func TestMutationDuringFlushKeepsRoomDirty(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	waitLoaded(t, c, r)

	p := newPeer(1)
	c.HandleFrame(alice, p.edit("first"))

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	st.set(func(m *mockStore) {
		m.upsertGate = gate
		m.upsertStarted = started
	})

	result := make(chan error, 1)
	go func() { result <- c.FlushRoom(context.Background(), r) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for flush to start")
	}
	c.HandleFrame(alice, p.edit("second"))
	close(gate)

	if err := <-result; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	assert.Equal(t, true, r.IsDirty())
	snap, _ := st.get("doc1")
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 1, docFrom(t, snap.Data).Len())

	st.set(func(m *mockStore) {
		m.upsertGate = nil
		m.upsertStarted = nil
	})
	if err := c.FlushRoom(context.Background(), r); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	assert.Equal(t, false, r.IsDirty())
	snap, _ = st.get("doc1")
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, 2, docFrom(t, snap.Data).Len())
}

func TestFlushDirtyIsolatesFailures(t *testing.T) {
	c, st, _ := setupTestCoordinator(t)
	st.failDocs["bad"] = true

	for _, id := range []string{"good", "bad", "clean"} {
		s, _ := connect(t, c, id, "alice")
		waitLoaded(t, c, s.Room())
		if id != "clean" {
			c.HandleFrame(s, newPeer(1).edit(id))
		}
	}

	flushed, failed := c.FlushDirty(context.Background())
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, failed)

	good, _ := c.Lookup("good")
	bad, _ := c.Lookup("bad")
	assert.Equal(t, false, good.IsDirty())
	assert.Equal(t, true, bad.IsDirty())

	if err := c.FlushAll(context.Background()); err == nil {
		t.Error("FlushAll should report the failing room")
	}

	st.set(func(m *mockStore) { delete(m.failDocs, "bad") })
	if err := c.FlushAll(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	assert.Equal(t, false, bad.IsDirty())
}

func TestIdleRoomFlushedAndReclaimed(t *testing.T) {
	c, st, clk := setupTestCoordinator(t)

	alice, _ := connect(t, c, "doc1", "alice")
	waitLoaded(t, c, alice.Room())
	c.HandleFrame(alice, newPeer(1).edit("keep me"))
	c.Disconnect(alice)

	clk.Advance(testIdleTimeout - time.Second)
	if _, ok := c.Lookup("doc1"); !ok {
		t.Fatal("Room should survive until the idle timeout")
	}

	clk.Advance(time.Second)
	if _, ok := c.Lookup("doc1"); ok {
		t.Error("Idle room should be reclaimed")
	}
	snap, ok := st.get("doc1")
	if !ok {
		t.Fatal("Idle room should be flushed before reclaim")
	}
	assert.Equal(t, 1, docFrom(t, snap.Data).Len())
}

func TestJoinCancelsIdleTimer(t *testing.T) {
	c, _, clk := setupTestCoordinator(t)

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	c.Disconnect(alice)

	clk.Advance(20 * time.Second)
	bob, _ := connect(t, c, "doc1", "bob")
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(20 * time.Second)
	if got, ok := c.Lookup("doc1"); !ok || got != r {
		t.Fatal("Room with a member should not be reclaimed")
	}

	c.Disconnect(bob)
	clk.Advance(testIdleTimeout)
	if _, ok := c.Lookup("doc1"); ok {
		t.Error("Room should be reclaimed once idle again")
	}
}

func TestRoomWithoutConnectionsIsReclaimed(t *testing.T) {
	c, _, clk := setupTestCoordinator(t)

	c.GetOrCreate("doc1")
	clk.Advance(testIdleTimeout)

	if _, ok := c.Lookup("doc1"); ok {
		t.Error("Room that never gained a member should be reclaimed")
	}
}

func TestFailedIdleFlushKeepsRoom(t *testing.T) {
	c, st, clk := setupTestCoordinator(t)

	alice, _ := connect(t, c, "doc1", "alice")
	r := alice.Room()
	waitLoaded(t, c, r)
	c.HandleFrame(alice, newPeer(1).edit("unsaved"))
	c.Disconnect(alice)

	st.set(func(m *mockStore) { m.upsertErr = errors.New("disk full") })
	clk.Advance(testIdleTimeout)

	if _, ok := c.Lookup("doc1"); !ok {
		t.Fatal("Room with unsaved changes should be kept when the flush fails")
	}
	assert.Equal(t, true, r.IsDirty())
	assert.Equal(t, 1, clk.Pending())

	st.set(func(m *mockStore) { m.upsertErr = nil })
	clk.Advance(testIdleTimeout)

	if _, ok := c.Lookup("doc1"); ok {
		t.Error("Room should be reclaimed after a successful retry")
	}
	if _, ok := st.get("doc1"); !ok {
		t.Error("Retried flush should store the document")
	}
}

// Two editors converge, the room is reclaimed, and a later session gets the
// persisted state back.
func TestCollaborationRoundTrip(t *testing.T) {
	st := newMockStore()
	clk := &fakeClock{}
	c := newTestCoordinator(st, clk)

	alice, aliceConn := connect(t, c, "doc1", "alice")
	waitLoaded(t, c, alice.Room())
	first := decodeFrame(t, aliceConn.Frames()[0])
	assert.Equal(t, protocol.SyncStep1, first.step)

	aliceDoc := newPeer(100)
	c.HandleFrame(alice, aliceDoc.edit("hello from alice"))

	bob, bobConn := connect(t, c, "doc1", "bob")
	handshake := decodeFrame(t, bobConn.Frames()[0])
	sv, err := ydoc.DecodeStateVector(handshake.payload)
	if err != nil {
		t.Fatalf("Failed to decode state vector: %v", err)
	}
	assert.Equal(t, uint64(len("hello from alice")), sv[100])

	bobDoc := newPeer(200)
	bobConn.Reset()
	c.HandleFrame(bob, syncStep1Frame(bobDoc.doc))
	reply := decodeFrame(t, bobConn.Frames()[0])
	assert.Equal(t, protocol.SyncStep2, reply.step)
	if _, err := bobDoc.doc.ApplyUpdate(reply.payload); err != nil {
		t.Fatalf("Failed to apply step2: %v", err)
	}

	aliceConn.Reset()
	bobEdit := bobDoc.edit("hi alice")
	c.HandleFrame(bob, bobEdit)
	relayed := decodeFrame(t, aliceConn.Frames()[0])
	if _, err := aliceDoc.doc.ApplyUpdate(relayed.payload); err != nil {
		t.Fatalf("Failed to apply relayed update: %v", err)
	}
	assert.Equal(t, 2, aliceDoc.doc.Len())
	assert.Equal(t, 2, bobDoc.doc.Len())

	flushed, failed := c.FlushDirty(context.Background())
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, false, alice.Room().IsDirty())
	if _, ok := st.get("doc1"); !ok {
		t.Fatal("Sweep should persist doc1")
	}

	c.Disconnect(alice)
	c.Disconnect(bob)
	clk.Advance(testIdleTimeout)
	if _, ok := c.Lookup("doc1"); ok {
		t.Fatal("Room should be reclaimed")
	}
	// Nothing changed after the sweep, so reclaim does not write again
	_, upserts := st.counts()
	assert.Equal(t, 1, upserts)

	restarted := newTestCoordinator(st, &fakeClock{})
	carol, carolConn := connect(t, restarted, "doc1", "carol")
	waitLoaded(t, restarted, carol.Room())

	frames := carolConn.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected handshake and loaded state, got %d frames", len(frames))
	}
	loaded := decodeFrame(t, frames[1])
	assert.Equal(t, protocol.SyncUpdate, loaded.step)
	assert.Equal(t, 2, docFrom(t, loaded.payload).Len())
	assert.Equal(t, int64(2), carol.Room().Status().Version)
}
