// Package reconciliation compares the journal's open legs with what the
// venue reports and raises an alert when they disagree.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-engine/internal/engine"
	"position-engine/internal/events"
	"position-engine/internal/state"
	"position-engine/pkg/logger"
)

// Venue reports net positions per symbol, signed by side (long positive).
type Venue interface {
	GetPositions(ctx context.Context) (map[string]float64, error)
}

// Local is the engine's view of open legs. Implemented by state.Manager.
type Local interface {
	Positions() []state.Leg
}

// Report contains reconciliation results
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	PositionDiffs []PositionDiff `json:"position_diffs"`
	HasDiffs      bool           `json:"has_diffs"`
}

// PositionDiff represents a position difference
type PositionDiff struct {
	Symbol     string  `json:"symbol"`
	LocalQty   float64 `json:"local_qty"`
	VenueQty   float64 `json:"venue_qty"`
	Difference float64 `json:"difference"`
	Persistent bool    `json:"persistent"` // seen on consecutive checks
}

// Service handles periodic reconciliation. The ledger is never rewritten
// from venue data; a drift that survives two checks in a row is alerted.
type Service struct {
	venue     Venue
	local     Local
	bus       *events.Bus
	interval  time.Duration
	tolerance float64
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]float64 // symbol -> difference seen on the previous check
	alerted map[string]bool
	last    *Report
}

// NewService creates a reconciliation service. tolerance is the absolute
// volume difference ignored as rounding.
func NewService(venue Venue, local Local, bus *events.Bus, interval time.Duration, tolerance float64, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	return &Service{
		venue:     venue,
		local:     local,
		bus:       bus,
		interval:  interval,
		tolerance: tolerance,
		log:       logger.OrNop(log).Named("reconcile"),
		now:       time.Now,
		pending:   make(map[string]float64),
		alerted:   make(map[string]bool),
	}
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.log.Warn("reconciliation error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.interval))
}

// Reconcile performs one check and alerts on persistent drifts.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now()}
	if s.venue == nil || s.local == nil {
		s.last = report
		return report, nil
	}

	venuePos, err := s.venue.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	localPos := make(map[string]float64)
	for _, leg := range s.local.Positions() {
		localPos[leg.Symbol] = leg.Volume * leg.Side.Sign()
	}

	symbols := make(map[string]struct{}, len(venuePos)+len(localPos))
	for sym := range venuePos {
		symbols[sym] = struct{}{}
	}
	for sym := range localPos {
		symbols[sym] = struct{}{}
	}

	seen := make(map[string]float64)
	for sym := range symbols {
		diff := localPos[sym] - venuePos[sym]
		if math.Abs(diff) <= s.tolerance {
			continue
		}
		prev, again := s.pending[sym]
		persistent := again && math.Abs(prev-diff) <= s.tolerance
		seen[sym] = diff
		report.PositionDiffs = append(report.PositionDiffs, PositionDiff{
			Symbol:     sym,
			LocalQty:   localPos[sym],
			VenueQty:   venuePos[sym],
			Difference: diff,
			Persistent: persistent,
		})
	}
	s.pending = seen
	for sym := range s.alerted {
		if _, ok := seen[sym]; !ok {
			delete(s.alerted, sym)
		}
	}
	sort.Slice(report.PositionDiffs, func(i, j int) bool {
		return report.PositionDiffs[i].Symbol < report.PositionDiffs[j].Symbol
	})
	report.HasDiffs = len(report.PositionDiffs) > 0

	s.handleReport(report)
	s.last = report
	return report, nil
}

// Last returns the most recent report, or nil before the first check.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		s.log.Debug("reconciliation ok")
		return
	}
	for _, d := range report.PositionDiffs {
		fields := []zap.Field{
			zap.String("symbol", d.Symbol),
			zap.Float64("local", d.LocalQty),
			zap.Float64("venue", d.VenueQty),
			zap.Float64("diff", d.Difference),
		}
		if !d.Persistent {
			// fills may still be in flight; wait for the next check
			s.log.Debug("position drift", fields...)
			continue
		}
		s.log.Warn("persistent position drift", fields...)
		if s.alerted[d.Symbol] {
			continue
		}
		s.alerted[d.Symbol] = true
		s.bus.Publish(events.EventRiskAlert, engine.Alert{
			Symbol:  d.Symbol,
			Message: fmt.Sprintf("position drift: journal %.8g, venue %.8g", d.LocalQty, d.VenueQty),
			Time:    report.Timestamp,
		})
	}
}
