package position

import (
	"sync"
	"time"
)

// Stats accumulates process-lifetime performance counters. Counters only
// grow; TotalPnL accumulates the realized PnL of executed closes.
type Stats struct {
	mu sync.Mutex

	startedAt         time.Time
	totalManaged      int
	winning           int
	losing            int
	totalTakeProfits  int
	totalStopLosses   int
	totalPartialStops int
	totalPnL          float64
	lastSync          time.Time
}

// StatsSnapshot is a copyable view of the counters.
type StatsSnapshot struct {
	Uptime            time.Duration `json:"-"`
	UptimeSeconds     float64       `json:"uptime_seconds"`
	TotalManaged      int           `json:"total_managed"`
	Winning           int           `json:"winning"`
	Losing            int           `json:"losing"`
	TotalTakeProfits  int           `json:"total_take_profits"`
	TotalStopLosses   int           `json:"total_stop_losses"`
	TotalPartialStops int           `json:"total_partial_stops"`
	TotalPnL          float64       `json:"total_pnl"`
	LastSync          time.Time     `json:"last_sync"`
}

// NewStats creates counters anchored at now.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// PositionDetected counts a newly managed position.
func (s *Stats) PositionDetected() {
	s.mu.Lock()
	s.totalManaged++
	s.mu.Unlock()
}

// TakeProfitExecuted counts one take-profit close and its realized PnL.
func (s *Stats) TakeProfitExecuted(pnl float64) {
	s.mu.Lock()
	s.totalTakeProfits++
	s.totalPnL += pnl
	s.mu.Unlock()
}

// PartialStopExecuted counts one partial protective close.
func (s *Stats) PartialStopExecuted(pnl float64) {
	s.mu.Lock()
	s.totalPartialStops++
	s.totalPnL += pnl
	s.mu.Unlock()
}

// FullStopExecuted counts a completed full stop. The position is a
// losing trade.
func (s *Stats) FullStopExecuted(pnl float64) {
	s.mu.Lock()
	s.totalStopLosses++
	s.losing++
	s.totalPnL += pnl
	s.mu.Unlock()
}

// PositionWon counts a position fully exited through its TP ladder.
// Increments once per position, on completion.
func (s *Stats) PositionWon() {
	s.mu.Lock()
	s.winning++
	s.mu.Unlock()
}

// ClosePnL folds realized PnL that belongs to no per-kind counter, like
// manual or de-risk closes.
func (s *Stats) ClosePnL(pnl float64) {
	s.mu.Lock()
	s.totalPnL += pnl
	s.mu.Unlock()
}

// SyncCompleted records a successful detect pass.
func (s *Stats) SyncCompleted() {
	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := time.Since(s.startedAt)
	return StatsSnapshot{
		Uptime:            uptime,
		UptimeSeconds:     uptime.Seconds(),
		TotalManaged:      s.totalManaged,
		Winning:           s.winning,
		Losing:            s.losing,
		TotalTakeProfits:  s.totalTakeProfits,
		TotalStopLosses:   s.totalStopLosses,
		TotalPartialStops: s.totalPartialStops,
		TotalPnL:          s.totalPnL,
		LastSync:          s.lastSync,
	}
}
