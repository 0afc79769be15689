package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	Placed         atomic.Int64 // call attempts started or accepted since process start
	Connected      atomic.Int64 // attempts that reached a live connection
	Failed         atomic.Int64 // attempts that ended in failure
	CandidatesSent atomic.Int64 // connectivity candidates appended to the store
	CandidatesRecv atomic.Int64 // connectivity candidates received from the store
}

func (s *stats) AddPlaced()        { s.Placed.Add(1) }
func (s *stats) AddConnected()     { s.Connected.Add(1) }
func (s *stats) AddFailed()        { s.Failed.Add(1) }
func (s *stats) AddCandidateSent() { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateRecv() { s.CandidatesRecv.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// 10 seconds while something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.CandidatesSent.Load()
				recv := Stats.CandidatesRecv.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(sent, recv int64) string {
	return fmt.Sprintf("Calls: %d placed, %d connected, %d failed | ICE: %2d↑ %2d↓",
		Stats.Placed.Load(),
		Stats.Connected.Load(),
		Stats.Failed.Load(),
		sent,
		recv,
	)
}
