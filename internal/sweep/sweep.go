// Package sweep periodically writes dirty documents to the store and does a
// final full flush on shutdown.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Interval time.Duration
	// PassTimeout bounds a single periodic pass.
	PassTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		PassTimeout: 20 * time.Second,
	}
}

// Flusher is the part of the coordinator the sweeper drives.
type Flusher interface {
	FlushDirty(ctx context.Context) (flushed, failed int)
	FlushAll(ctx context.Context) error
}

type Service struct {
	flusher Flusher
	config  Config
	log     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(flusher Flusher, config Config, logger zerolog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = config.Interval
	}
	return &Service{
		flusher: flusher,
		config:  config,
		log:     logger.With().Str("component", "sweep").Logger(),
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().Dur("interval", s.config.Interval).Msg("Flush sweeper started")
}

// Stop ends the periodic loop and flushes every room once more. The final
// flush is bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	err := s.flusher.FlushAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Final flush incomplete")
	} else {
		s.log.Info().Msg("Flush sweeper stopped")
	}
	return err
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

// SweepNow runs one pass synchronously.
func (s *Service) SweepNow() (flushed, failed int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PassTimeout)
	defer cancel()

	flushed, failed = s.flusher.FlushDirty(ctx)
	if flushed > 0 || failed > 0 {
		s.log.Info().Int("flushed", flushed).Int("failed", failed).Msg("Flushed dirty rooms")
	}
	return flushed, failed
}
