package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/algomatic/strat-service/internal/aggregator"
	"github.com/algomatic/strat-service/internal/classifier"
	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/scheduler"
	"github.com/algomatic/strat-service/internal/types"
)

// symbolState is the pipeline state of one symbol.
type symbolState struct {
	mu        sync.Mutex
	lastRawAt time.Time
	series    []*seriesState
}

// seriesState is one (symbol, timeframe) series.
type seriesState struct {
	series  *aggregator.Series
	history *classifier.History
}

// scan runs fetch, compose, classify, match, gate and emit for one symbol.
// ctx is checked before every side effect.
func (s *Scanner) scan(ctx context.Context, symbol string) Result {
	res := Result{Symbol: symbol}
	logger := s.logger.With("symbol", symbol)

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	st, err := s.state(symbol)
	if err != nil {
		res.Err = err
		return res
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.now().UTC()
	start := s.warmupStart(now)
	if !st.lastRawAt.IsZero() {
		start = st.lastRawAt.Add(s.granularity)
	}

	// Fetching is the only blocking step. Retries live in the source.
	raws, err := s.deps.Source.FetchBars(ctx, symbol, s.cfg.Granularity, start, now)
	if err != nil {
		res.Err = fmt.Errorf("fetching bars: %w", err)
		logger.Warn("Fetch failed, skipping symbol this cycle", "error", err)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	raws = s.completedRaws(raws, now)
	res.RawBars = len(raws)

	// Compose every series, then force-close periods whose boundary passed.
	closed := make([][]types.ComposedBar, len(st.series))
	for _, raw := range raws {
		raw.Symbol = symbol
		for i, ss := range st.series {
			bars, err := ss.series.Push(raw)
			if errors.Is(err, types.ErrLateBar) {
				logger.Debug("Dropping late raw bar",
					"timeframe", ss.series.Timeframe().Name,
					"open_time", raw.OpenTime,
				)
				continue
			}
			if err != nil {
				res.Err = err
				return res
			}
			closed[i] = append(closed[i], bars...)
		}
		if raw.OpenTime.After(st.lastRawAt) {
			st.lastRawAt = raw.OpenTime
		}
	}
	horizon := s.deps.Scheduler.Horizon(now)
	for i, ss := range st.series {
		closed[i] = append(closed[i], ss.series.ForceClose(horizon)...)
	}

	var (
		audit   []types.ComposedBar
		matches []types.PatternMatch
	)
	for i, ss := range st.series {
		bars := closed[i]
		for j, bar := range bars {
			bar = ss.history.Add(bar)
			audit = append(audit, bar)
			if bar.Missing {
				logger.Debug("Missing period breaks matching window",
					"timeframe", bar.Timeframe,
					"period_start", bar.PeriodStart,
					"error", types.ErrDataGap,
				)
			}

			key := types.SeriesKey{Symbol: symbol, Timeframe: bar.Timeframe}
			if dropped, ok := s.deps.Scheduler.Supersede(key, bar.PeriodEnd); ok {
				logger.Info("Held match superseded by newer bar",
					"timeframe", bar.Timeframe,
					"pattern", dropped.Kind,
					"match_id", dropped.ID,
				)
			}

			// Only the newest completed bar is evaluated.
			if j != len(bars)-1 || bar.Missing {
				continue
			}
			if m, ok := s.deps.Matcher.Match(ss.history.Window()); ok {
				matches = append(matches, m)
			}
		}
	}
	res.Closed = len(audit)
	res.Matches = matches

	// The bars are consumed; keep their matches for the next cycle.
	if err := ctx.Err(); err != nil {
		for _, m := range matches {
			s.deps.Scheduler.Hold(m)
		}
		res.Err = err
		return res
	}
	s.audit(ctx, logger, audit, matches)

	// Taken first so a match held by a failed delivery below waits a cycle.
	due := s.deps.Scheduler.Due(symbol, now)

	var errs []error
	for _, m := range matches {
		logger.Info("Pattern matched",
			"timeframe", m.Timeframe,
			"pattern", m.Kind,
			"direction", m.Direction,
			"trigger", m.TriggerPrice,
			"invalidation", m.InvalidationPrice,
			"detected_at", m.DetectedAt,
		)
		if s.deps.Scheduler.Offer(m, now) == scheduler.Held {
			res.Held++
			next, _ := s.deps.Scheduler.NextOpen(m.Kind, m.Timeframe, now)
			logger.Info("Match held until next window",
				"timeframe", m.Timeframe,
				"pattern", m.Kind,
				"next_window", next,
			)
			continue
		}
		if err := s.emit(ctx, logger, m, now, &res); err != nil {
			errs = append(errs, err)
		}
	}

	for _, m := range due {
		logger.Info("Releasing held match", "timeframe", m.Timeframe, "pattern", m.Kind, "match_id", m.ID)
		if err := s.emit(ctx, logger, m, now, &res); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		res.Err = errors.Join(errs...)
		logger.Error("Signal delivery failed", "error", res.Err)
		return res
	}

	logger.Debug("Scan complete",
		"raw_bars", res.RawBars,
		"closed_bars", res.Closed,
		"matches", len(res.Matches),
		"emitted", len(res.Emitted),
	)
	return res
}

// completedRaws sorts raws and drops bars still forming at now.
func (s *Scanner) completedRaws(raws []types.RawBar, now time.Time) []types.RawBar {
	sortRaw(raws)
	out := raws[:0]
	for _, r := range raws {
		if r.OpenTime.Add(s.granularity).After(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// emit builds and delivers the signal for m. A degenerate match is
// discarded. When delivery fails or ctx is done, m is held so a later cycle
// retries it; only these errors are returned.
func (s *Scanner) emit(ctx context.Context, logger *slog.Logger, m types.PatternMatch, now time.Time, res *Result) error {
	sig, err := s.deps.Builder.Build(m, now)
	if errors.Is(err, types.ErrDegenerateRisk) {
		logger.Info("Discarding match with degenerate risk", "match_id", m.ID, "reason", err)
		return nil
	}
	if err != nil {
		logger.Warn("Failed to build signal", "match_id", m.ID, "error", err)
		return nil
	}

	if err := ctx.Err(); err != nil {
		s.deps.Scheduler.Hold(m)
		return err
	}
	out, err := s.deps.Emitter.Emit(ctx, sig, now)
	if err != nil {
		// Emitted with an error means delivery happened but the record did not land.
		if out != dedup.Emitted {
			s.deps.Scheduler.Hold(m)
			logger.Warn("Delivery failed, match held for retry", "match_id", m.ID, "timeframe", m.Timeframe, "pattern", m.Kind)
		}
		return fmt.Errorf("emitting %s %s %s: %w", m.Symbol, m.Kind, m.Timeframe, err)
	}
	if out == dedup.Suppressed {
		res.Suppressed++
		return nil
	}
	res.Emitted = append(res.Emitted, sig)
	return nil
}

// audit appends rows to every sink. Failures are logged and do not stop the
// pipeline.
func (s *Scanner) audit(ctx context.Context, logger *slog.Logger, bars []types.ComposedBar, matches []types.PatternMatch) {
	for _, sink := range s.deps.Sinks {
		if len(bars) > 0 {
			if err := sink.AppendBars(ctx, bars); err != nil {
				logger.Warn("Failed to append bars to audit sink", "bars", len(bars), "error", err)
			}
		}
		for _, m := range matches {
			if err := sink.AppendMatch(ctx, m); err != nil {
				logger.Warn("Failed to append match to audit sink", "match_id", m.ID, "error", err)
			}
		}
	}
}
