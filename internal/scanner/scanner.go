// Package scanner runs the per-symbol STRAT pipeline: fetch raw bars, compose
// and classify them per timeframe, match patterns on the newest bar, gate
// them through the scheduler and emit deduplicated signals.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/algomatic/strat-service/internal/aggregator"
	"github.com/algomatic/strat-service/internal/classifier"
	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/pattern"
	"github.com/algomatic/strat-service/internal/scheduler"
	"github.com/algomatic/strat-service/internal/signal"
	"github.com/algomatic/strat-service/internal/types"
)

// Source produces raw bars for a symbol in [start, end) at a source granularity.
// Implemented by alpaca.Client and db.Client.
type Source interface {
	FetchBars(ctx context.Context, symbol, granularity string, start, end time.Time) ([]types.RawBar, error)
}

// AuditSink receives append-only audit rows.
// Implemented by db.Client, storage.Storage and audit.ParquetWriter.
type AuditSink interface {
	AppendBars(ctx context.Context, bars []types.ComposedBar) error
	AppendMatch(ctx context.Context, m types.PatternMatch) error
}

// flusher is implemented by sinks that buffer rows per cycle.
type flusher interface {
	Flush(ctx context.Context) error
}

// Emitter delivers a signal at most once per alert key. Implemented by
// dedup.Deduplicator.
type Emitter interface {
	Emit(ctx context.Context, sig types.Signal, now time.Time) (dedup.Outcome, error)
}

// Config configures a Scanner.
type Config struct {
	// Granularity is the source bar timeframe, e.g. "15Min".
	Granularity string
	Timeframes  []types.Timeframe
	Location    *time.Location
	// Lookback is the history fetched on the first scan of a symbol.
	Lookback time.Duration
	// Concurrency bounds parallel symbol scans in ScanAll.
	Concurrency int
	// HistoryCapacity bounds the classified bars kept per series.
	HistoryCapacity int
}

// Deps are the collaborators of a Scanner.
type Deps struct {
	Source    Source
	Matcher   *pattern.Matcher
	Builder   *signal.Builder
	Scheduler *scheduler.Scheduler
	Emitter   Emitter
	Sinks     []AuditSink
}

// Result summarises one symbol scan.
type Result struct {
	Symbol     string
	RawBars    int
	Closed     int
	Matches    []types.PatternMatch
	Emitted    []types.Signal
	Suppressed int
	Held       int
	Err        error
}

// Scanner owns the per-symbol pipelines. Pipelines of different symbols run
// independently; a symbol is never scanned by two goroutines at once.
type Scanner struct {
	cfg         Config
	deps        Deps
	granularity time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*symbolState

	// Concurrent requests for the same symbol share one scan.
	pending sync.Map // map[string]*pendingScan
}

type pendingScan struct {
	done   chan struct{}
	result Result
}

// New creates a scanner.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Source == nil || deps.Matcher == nil || deps.Builder == nil || deps.Scheduler == nil || deps.Emitter == nil {
		return nil, fmt.Errorf("scanner: source, matcher, builder, scheduler and emitter are required")
	}
	gran, ok := types.SourceGranularities[cfg.Granularity]
	if !ok {
		return nil, fmt.Errorf("unsupported source granularity %q", cfg.Granularity)
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = types.DefaultTimeframes
	}
	for _, tf := range cfg.Timeframes {
		if err := tf.Validate(gran); err != nil {
			return nil, err
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 5 * 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = classifier.DefaultCapacity
	}

	return &Scanner{
		cfg:         cfg,
		deps:        deps,
		granularity: gran,
		logger:      logger,
		now:         time.Now,
		states:      make(map[string]*symbolState),
	}, nil
}

// ScanAll scans symbols concurrently, at most Concurrency at a time, then
// flushes buffering sinks. A failing symbol does not stop the others.
func (s *Scanner) ScanAll(ctx context.Context, symbols []string) []Result {
	results := make([]Result, len(symbols))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			results[i] = s.ScanSymbol(ctx, sym)
			return nil
		})
	}
	_ = g.Wait()

	s.flush(ctx)
	return results
}

// ScanSymbol runs one pipeline cycle for symbol. A concurrent call for the
// same symbol waits for the running scan and returns its result.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol string) Result {
	req := &pendingScan{done: make(chan struct{})}
	if existing, loaded := s.pending.LoadOrStore(symbol, req); loaded {
		p := existing.(*pendingScan)
		s.logger.Debug("Coalescing scan, waiting for running scan", "symbol", symbol)
		select {
		case <-p.done:
			return p.result
		case <-ctx.Done():
			return Result{Symbol: symbol, Err: ctx.Err()}
		}
	}
	defer func() {
		close(req.done)
		s.pending.Delete(symbol)
	}()

	req.result = s.scan(ctx, symbol)
	return req.result
}

func (s *Scanner) flush(ctx context.Context) {
	for _, sink := range s.deps.Sinks {
		f, ok := sink.(flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			s.logger.Warn("Failed to flush audit sink", "error", err)
		}
	}
}

// state returns the pipeline state of symbol, creating it on first use.
func (s *Scanner) state(symbol string) (*symbolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[symbol]; ok {
		return st, nil
	}
	st := &symbolState{}
	for _, tf := range s.cfg.Timeframes {
		series, err := aggregator.NewSeries(symbol, tf, s.granularity, s.cfg.Location)
		if err != nil {
			return nil, err
		}
		st.series = append(st.series, &seriesState{
			series:  series,
			history: classifier.NewHistory(s.cfg.HistoryCapacity),
		})
	}
	s.states[symbol] = st
	return st, nil
}

// warmupStart is the first period start of the largest timeframe at or
// before now minus Lookback, so no series begins mid-period.
func (s *Scanner) warmupStart(now time.Time) time.Time {
	from := now.Add(-s.cfg.Lookback)
	earliest := from
	for _, tf := range s.cfg.Timeframes {
		start, _ := tf.PeriodOf(from, s.cfg.Location)
		if start.Before(earliest) {
			earliest = start
		}
	}
	return earliest.UTC()
}

// Summary aggregates results for logging.
type Summary struct {
	Symbols    int
	Failed     int
	Matches    int
	Emitted    int
	Suppressed int
	Held       int
}

// Summarize folds results into a Summary and joins their errors.
func Summarize(results []Result) (Summary, error) {
	sum := Summary{Symbols: len(results)}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", r.Symbol, r.Err))
		}
		sum.Matches += len(r.Matches)
		sum.Emitted += len(r.Emitted)
		sum.Suppressed += r.Suppressed
		sum.Held += r.Held
	}
	return sum, errors.Join(errs...)
}

// sortRaw orders raw bars by open time.
func sortRaw(raws []types.RawBar) {
	sort.SliceStable(raws, func(i, j int) bool {
		return raws[i].OpenTime.Before(raws[j].OpenTime)
	})
}
