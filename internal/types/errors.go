package types

import "errors"

var (
	// ErrDataGap marks a period without constituent bars.
	ErrDataGap = errors.New("data gap")

	// ErrLateBar marks a raw bar that arrived for an already closed period.
	// Late bars are dropped; closed bars are never reopened.
	ErrLateBar = errors.New("late bar dropped")

	// ErrDegenerateRisk marks a match whose entry equals its invalidation.
	ErrDegenerateRisk = errors.New("degenerate risk")

	// ErrTransientFetch marks a market-data failure after retries were exhausted.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrDuplicateAlert marks an alert already recorded for its key.
	ErrDuplicateAlert = errors.New("duplicate alert")
)
