// Package usage records completed requests. Writes go to Postgres on
// the hot path; when the database is unavailable, records fall back
// to an append-only on-disk spool (its size is not capped) and are
// retried in the background with exponential backoff, with
// persistently-failing records routed to a dead-letter file rather
// than blocking the spool forever. Only the usage record row is
// written; ApiKey and User spend counters in Postgres are not updated
// here.
package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/railgate/gateway/domain"
	"github.com/railgate/gateway/metrics"
)

// Recorder is the subset of store.Store usage writing needs.
type Recorder interface {
	InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error
}

// Writer accepts completed UsageRecords, writes them to Postgres, and
// spools to disk on failure.
type Writer struct {
	recorder Recorder
	logger   zerolog.Logger
	spoolDir string

	mu      sync.Mutex
	backlog []domain.UsageRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter constructs a Writer. spoolDir is created if missing.
func NewWriter(recorder Recorder, logger zerolog.Logger, spoolDir string) (*Writer, error) {
	if spoolDir != "" {
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	return &Writer{
		recorder: recorder,
		logger:   logger.With().Str("component", "usage_writer").Logger(),
		spoolDir: spoolDir,
		done:     make(chan struct{}),
	}, nil
}

// Record writes rec, spooling it to disk on failure rather than
// blocking the caller's request path. Without a configured spool
// directory a failed record is logged and dropped.
func (w *Writer) Record(ctx context.Context, rec domain.UsageRecord) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := w.recorder.InsertUsageRecord(writeCtx, rec); err != nil {
		w.logger.Warn().Err(err).Str("request_id", rec.RequestID).Msg("usage insert failed, spooling to disk")
		w.spool(rec)
	}
}

func (w *Writer) spoolPath() string {
	return filepath.Join(w.spoolDir, "usage.spool.jsonl")
}

func (w *Writer) dlqPath() string {
	return filepath.Join(w.spoolDir, "usage.dlq.jsonl")
}

func (w *Writer) spool(rec domain.UsageRecord) {
	if w.spoolDir == "" {
		w.logger.Error().Str("request_id", rec.RequestID).Msg("usage record dropped: no spool directory configured")
		return
	}
	f, err := os.OpenFile(w.spoolPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to open usage spool file")
		return
	}
	defer f.Close()

	line, err := json.Marshal(spoolEntry{Record: rec, Attempts: 0, FirstSeen: rec.CreatedAt})
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Error().Err(err).Msg("failed to write usage spool entry")
		return
	}
	metrics.UsageSpoolSize.Add(1)
}

type spoolEntry struct {
	Record    domain.UsageRecord `json:"record"`
	Attempts  int                `json:"attempts"`
	FirstSeen time.Time          `json:"first_seen"`
}

const maxSpoolAttempts = 8

// StartDrain begins a background loop that retries spooled records
// with exponential backoff (starting at baseInterval, doubling while
// records remain spooled, capped at 5 minutes), moving records that
// reach maxSpoolAttempts into a dead-letter file instead of retrying
// forever.
func (w *Writer) StartDrain(baseInterval time.Duration) {
	if w.spoolDir == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.drainLoop(ctx, baseInterval)
}

// Stop halts the background drain loop.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Writer) drainLoop(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	wait := interval
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.drainOnce(ctx)
			if _, err := os.Stat(w.spoolPath()); err == nil {
				wait = min(wait*2, 5*time.Minute)
			} else {
				wait = interval
			}
			timer.Reset(wait)
		}
	}
}

func (w *Writer) drainOnce(ctx context.Context) {
	path := w.spoolPath()
	f, err := os.Open(path)
	if err != nil {
		return // nothing spooled
	}

	var remaining []spoolEntry
	var dlq []spoolEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := w.recorder.InsertUsageRecord(writeCtx, entry.Record)
		cancel()
		if err == nil {
			continue
		}
		entry.Attempts++
		if entry.Attempts >= maxSpoolAttempts {
			dlq = append(dlq, entry)
			continue
		}
		remaining = append(remaining, entry)
	}
	f.Close()

	w.rewriteSpool(remaining)
	w.appendDLQ(dlq)
	metrics.UsageSpoolSize.Set(float64(len(remaining)))
}

func (w *Writer) rewriteSpool(entries []spoolEntry) {
	if len(entries) == 0 {
		_ = os.Remove(w.spoolPath())
		return
	}
	tmp := w.spoolPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		f.Write(append(line, '\n'))
	}
	f.Close()
	_ = os.Rename(tmp, w.spoolPath())
}

func (w *Writer) appendDLQ(entries []spoolEntry) {
	if len(entries) == 0 {
		return
	}
	f, err := os.OpenFile(w.dlqPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to open usage DLQ file")
		return
	}
	defer f.Close()
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		f.Write(append(line, '\n'))
		w.logger.Error().Str("request_id", e.Record.RequestID).Int("attempts", e.Attempts).
			Msg("usage record moved to dead-letter queue")
	}
}

// CostEngine computes JPY cost from token counts and a model's
// configured per-million-token pricing.
type CostEngine struct{}

// NewCostEngine constructs a CostEngine.
func NewCostEngine() *CostEngine { return &CostEngine{} }

// Calculate returns the JPY cost of inputTokens/outputTokens against model.
func (CostEngine) Calculate(model domain.Model, inputTokens, outputTokens int) float64 {
	in := float64(inputTokens) / 1_000_000 * model.InputCostPerM
	out := float64(outputTokens) / 1_000_000 * model.OutputCostPerM
	return in + out
}
