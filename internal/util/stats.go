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

// Stats is the process-wide call counter set.
var Stats = &stats{}

type stats struct {
	Sessions  atomic.Int64 // peer sessions created since process start
	MsgsSent  atomic.Int64 // data channel messages written
	MsgsRecv  atomic.Int64 // data channel messages received
	BytesSent atomic.Int64 // cumulative bytes written to the data channel
	BytesRecv atomic.Int64 // cumulative bytes read from the data channel
}

func (s *stats) AddSession() { s.Sessions.Add(1) }

func (s *stats) AddSent(n int) {
	s.MsgsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MsgsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter looks at the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs data channel statistics
// every 10 seconds, skipping idle periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevMsgsSent, prevMsgsRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				msgsSent := Stats.MsgsSent.Load()
				msgsRecv := Stats.MsgsRecv.Load()

				if msgsSent != prevMsgsSent || msgsRecv != prevMsgsRecv {
					secs := reportInterval.Seconds()
					pterm.DefaultLogger.Info(formatStats(
						float64(sent-prevSent)/secs,
						float64(recv-prevRecv)/secs,
						msgsSent-prevMsgsSent,
						msgsRecv-prevMsgsRecv,
					))
				}

				prevSent = sent
				prevRecv = recv
				prevMsgsSent = msgsSent
				prevMsgsRecv = msgsRecv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line data channel summary for the logger.
func formatStats(outS, inS float64, outM, inM int64) string {
	return fmt.Sprintf("DataChannel Out: %s/s | In: %s/s | Msgs: %3d↑ %3d↓",
		formatBytes(outS),
		formatBytes(inS),
		outM,
		inM,
	)
}
