// Package collab coordinates live collaboration rooms: who is connected to
// which document, relaying sync and presence traffic between them, and
// moving document state to and from the store.
package collab

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/manpreetbhatti/lattice/collab/internal/store"
)

const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultStoreTimeout     = 10 * time.Second
	DefaultFlushConcurrency = 8
)

type Options struct {
	Store  store.Store
	Logger zerolog.Logger
	// Clock defaults to wall-clock timers.
	Clock Clock
	// Meter defaults to the global otel meter provider.
	Meter metric.Meter

	// IdleTimeout is how long an empty room lingers before it is flushed
	// and dropped.
	IdleTimeout time.Duration
	// StoreTimeout bounds each store call made outside a caller's context.
	StoreTimeout time.Duration
	// FlushConcurrency caps parallel snapshot writes during a sweep.
	FlushConcurrency int
}

// Coordinator owns every live room. Locks are always taken registry first,
// room second.
type Coordinator struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// closing is set once by CloseSessions and read under room locks.
	closing atomic.Bool

	store   store.Store
	clock   Clock
	log     zerolog.Logger
	metrics *metrics

	idleTimeout      time.Duration
	storeTimeout     time.Duration
	flushConcurrency int
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		rooms:            make(map[string]*Room),
		store:            opts.Store,
		clock:            opts.Clock,
		log:              opts.Logger,
		metrics:          newMetrics(opts.Meter),
		idleTimeout:      opts.IdleTimeout,
		storeTimeout:     opts.StoreTimeout,
		flushConcurrency: opts.FlushConcurrency,
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = DefaultIdleTimeout
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = DefaultStoreTimeout
	}
	if c.flushConcurrency <= 0 {
		c.flushConcurrency = DefaultFlushConcurrency
	}
	return c
}

// Stats summarises the coordinator for the ops endpoints.
type Stats struct {
	Rooms      int `json:"rooms"`
	Sessions   int `json:"sessions"`
	DirtyRooms int `json:"dirty_rooms"`
}

func (c *Coordinator) Stats() Stats {
	var stats Stats
	for _, r := range c.snapshot() {
		r.mu.Lock()
		stats.Rooms++
		stats.Sessions += len(r.members)
		if r.dirty {
			stats.DirtyRooms++
		}
		r.mu.Unlock()
	}
	return stats
}

// Rooms returns the status of every live room ordered by id.
func (c *Coordinator) Rooms() []RoomStatus {
	rooms := c.snapshot()
	statuses := make([]RoomStatus, 0, len(rooms))
	for _, r := range rooms {
		statuses = append(statuses, r.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
