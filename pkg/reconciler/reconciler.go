package reconciler

import (
	"sync"
	"time"

	"github.com/distrikv/partd/pkg/log"
	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// Recoverer is the per-group collaborator a sweep drives: every concrete
// group registers its replica.Listener here. Kept as an interface so
// this package need not import pkg/replica.
type Recoverer interface {
	OnPrimaryElected()
}

// Sweeper periodically re-runs every registered group's orphan-
// transaction recovery sweep (spec §4.7), as a safety net alongside the
// sweep each group already triggers the instant it is elected primary.
type Sweeper struct {
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	groups map[types.GroupID]Recoverer
	stopCh chan struct{}
}

// NewSweeper builds a Sweeper that runs every intervalSeconds.
func NewSweeper(intervalSeconds int) *Sweeper {
	return &Sweeper{
		interval: time.Duration(intervalSeconds) * time.Second,
		logger:   log.WithComponent("reconciler"),
		groups:   make(map[types.GroupID]Recoverer),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a group to the sweep rotation. Safe to call after Start.
func (s *Sweeper) Register(groupID types.GroupID, r Recoverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = r
}

// Unregister removes a group, e.g. once its listener has shut down.
func (s *Sweeper) Unregister(groupID types.GroupID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("recovery sweeper started")

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			s.logger.Info().Msg("recovery sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweep() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecoverySweepDuration)
		metrics.RecoverySweepsTotal.Inc()
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for groupID, r := range s.groups {
		s.logger.Debug().Str("group", groupID.String()).Msg("sweeping group for unreleased transactions")
		r.OnPrimaryElected()
	}
}
