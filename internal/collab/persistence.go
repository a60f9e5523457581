package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
)

// ErrNotLoaded is returned when a flush finds that the room's stored state
// was never read. Writing then would overwrite it.
var ErrNotLoaded = errors.New("collab: document not loaded")

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// KickoffLoad starts reading r's snapshot from the store unless a read is
// already running or has succeeded. The returned channel closes when the
// attempt finishes; check LoadState for the outcome.
func (c *Coordinator) KickoffLoad(r *Room) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.loadState {
	case LoadLoaded:
		return closedChan
	case LoadLoading:
		return r.loading
	}

	done := make(chan struct{})
	r.loadState = LoadLoading
	r.loading = done
	go c.load(r, done)
	return done
}

func (c *Coordinator) load(r *Room, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()

	add(c.metrics.loads)
	snapshot, err := c.store.Load(ctx, r.ID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = nil

	if err != nil {
		r.loadState = LoadNotLoaded
		add(c.metrics.loadErrors)
		r.log.Error().Err(err).Msg("Failed to load document")
		return
	}
	if snapshot == nil {
		r.loadState = LoadLoaded
		r.log.Debug().Msg("No stored state for document")
		return
	}

	changed, err := r.doc.ApplyUpdate(snapshot.Data)
	if err != nil {
		// Left unloaded so the stored bytes are never overwritten.
		r.loadState = LoadNotLoaded
		add(c.metrics.loadErrors)
		r.log.Error().Err(err).Int("size", len(snapshot.Data)).Msg("Stored document is unreadable")
		return
	}
	r.loadState = LoadLoaded
	r.baseVersion = snapshot.Version

	r.log.Info().
		Int64("version", snapshot.Version).
		Int("size", len(snapshot.Data)).
		Int("structs", r.doc.Len()).
		Bool("changed", changed).
		Msg("Loaded document")

	if changed && len(r.members) > 0 {
		full, err := r.doc.EncodeStateAsUpdate(nil)
		if err != nil {
			r.log.Error().Err(err).Msg("Failed to encode loaded document")
			return
		}
		r.broadcast(protocol.EncodeSyncUpdate(full), "")
	}
}

// FlushRoom writes r's full state to the store if it has unsaved changes.
// Changes that land while the write is in flight keep the room dirty.
func (c *Coordinator) FlushRoom(ctx context.Context, r *Room) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if !r.IsDirty() {
		return nil
	}

	select {
	case <-c.KickoffLoad(r):
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", r.ID, ctx.Err())
	}

	r.mu.Lock()
	if r.loadState != LoadLoaded {
		r.mu.Unlock()
		return fmt.Errorf("flush %s: %w", r.ID, ErrNotLoaded)
	}
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	data, err := r.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("flush %s: encode: %w", r.ID, err)
	}
	flushed := r.version
	version := r.baseVersion + int64(flushed)
	r.mu.Unlock()

	if err := c.store.Upsert(ctx, r.ID, data, version); err != nil {
		add(c.metrics.flushErrors)
		return fmt.Errorf("flush %s: %w", r.ID, err)
	}
	add(c.metrics.flushes)

	r.mu.Lock()
	if r.version == flushed {
		r.dirty = false
	}
	r.mu.Unlock()

	r.log.Debug().Int64("version", version).Int("size", len(data)).Msg("Flushed document")
	return nil
}

// FlushDirty flushes every dirty room, at most FlushConcurrency at a time.
// A failing room is logged and left dirty for the next sweep.
func (c *Coordinator) FlushDirty(ctx context.Context) (flushed, failed int) {
	var dirty []*Room
	for _, r := range c.snapshot() {
		if r.IsDirty() {
			dirty = append(dirty, r)
		}
	}
	errs := c.flushRooms(ctx, dirty)
	return len(dirty) - len(errs), len(errs)
}

// FlushAll flushes every room and reports all failures together.
func (c *Coordinator) FlushAll(ctx context.Context) error {
	return errors.Join(c.flushRooms(ctx, c.snapshot())...)
}

func (c *Coordinator) flushRooms(ctx context.Context, rooms []*Room) []error {
	var (
		mu   sync.Mutex
		errs []error
		done atomic.Int64
	)

	var g errgroup.Group
	g.SetLimit(c.flushConcurrency)
	for _, r := range rooms {
		g.Go(func() error {
			if err := c.FlushRoom(ctx, r); err != nil {
				r.log.Error().Err(err).Msg("Failed to flush document")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if len(rooms) > 0 {
		c.log.Debug().Int("rooms", len(rooms)).Int64("ok", done.Load()).Int("failed", len(errs)).Msg("Flush pass complete")
	}
	return errs
}

// armIdle (re)starts the idle timer. Requires r.mu.
func (c *Coordinator) armIdle(r *Room) {
	r.stopIdle()
	gen := r.idleGen
	r.idle = c.clock.AfterFunc(c.idleTimeout, func() {
		c.reclaim(r, gen)
	})
}

// reclaim runs when the idle timer of generation gen fires: it flushes
// unsaved changes and drops the room. A failed flush keeps the room and
// re-arms the timer.
func (c *Coordinator) reclaim(r *Room, gen uint64) {
	r.mu.Lock()
	stale := r.closed || r.idleGen != gen || len(r.members) > 0
	dirty := r.dirty
	r.mu.Unlock()
	if stale {
		return
	}

	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
		err := c.FlushRoom(ctx, r)
		cancel()
		if err != nil {
			r.log.Error().Err(err).Msg("Idle flush failed, keeping room")
			r.mu.Lock()
			if !r.closed && r.idleGen == gen && len(r.members) == 0 {
				c.armIdle(r)
			}
			r.mu.Unlock()
			return
		}
	}

	if c.removeIfIdle(r, gen) {
		add(c.metrics.reclaims)
		r.log.Info().Msg("Reclaimed idle room")
	}
}
