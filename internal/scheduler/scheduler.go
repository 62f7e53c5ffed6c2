// Package scheduler computes the next fetch date of a URL from its last fetch
// outcome, its metadata and the configured intervals.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
)

// Interval defaults, in minutes.
const (
	DefaultFetchInterval      = 1440
	DefaultFetchErrorInterval = 120
	DefaultErrorInterval      = 44640

	// NeverInterval marks a URL that must not be refetched.
	NeverInterval = -1
)

// Never is the conventional far-future date used for never-refetch items.
var Never = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)

// Compile-time interface verification.
var _ frontier.Scheduler = (*DefaultScheduler)(nil)

// CustomInterval overrides the fetch interval of FETCHED URLs whose metadata
// carries Value under Key.
type CustomInterval struct {
	Key     string
	Value   string
	Minutes int
}

// RawInterval is the configuration form of a CustomInterval.
type RawInterval struct {
	Key     string `mapstructure:"key"`
	Value   string `mapstructure:"value"`
	Minutes string `mapstructure:"minutes"`
}

// Config holds the intervals used by DefaultScheduler.
//   - CustomIntervals: evaluated in order, first match wins.
//   - Never: returned for an interval of -1 (defaults to Never).
type Config struct {
	DefaultInterval    int
	FetchErrorInterval int
	ErrorInterval      int
	CustomIntervals    []CustomInterval
	Never              time.Time
}

// DefaultScheduler schedules by outcome. It holds no per-URL state and is safe
// for concurrent use.
type DefaultScheduler struct {
	cfg   Config
	clock frontier.Clock
}

// New creates a DefaultScheduler. A nil clock uses the wall clock.
func New(cfg Config, clock frontier.Clock) *DefaultScheduler {
	if cfg.Never.IsZero() {
		cfg.Never = Never
	}
	if clock == nil {
		clock = system.New()
	}
	cfg.CustomIntervals = append([]CustomInterval(nil), cfg.CustomIntervals...)
	return &DefaultScheduler{cfg: cfg, clock: clock}
}

// Schedule returns the next fetch date for a URL with the given outcome.
func (s *DefaultScheduler) Schedule(outcome frontier.Outcome, md frontier.Metadata) time.Time {
	minutes := 0

	switch outcome {
	case frontier.OutcomeFetched:
		minutes = s.checkMetadata(md)
	case frontier.OutcomeFetchError:
		minutes = s.cfg.FetchErrorInterval
	case frontier.OutcomeError:
		minutes = s.cfg.ErrorInterval
	case frontier.OutcomeRedirection:
		minutes = s.cfg.DefaultInterval
	default:
		// DISCOVERED and anything unknown are due now.
	}

	if minutes == NeverInterval {
		return s.cfg.Never
	}
	return s.clock.Now().Add(time.Duration(minutes) * time.Minute)
}

// Intervals returns a copy of the configured custom intervals.
func (s *DefaultScheduler) Intervals() []CustomInterval {
	return append([]CustomInterval(nil), s.cfg.CustomIntervals...)
}

func (s *DefaultScheduler) checkMetadata(md frontier.Metadata) int {
	for _, rule := range s.cfg.CustomIntervals {
		if md.Has(rule.Key, rule.Value) {
			return rule.Minutes
		}
	}
	return s.cfg.DefaultInterval
}

// ParseCustomIntervals converts configured rules, preserving their order.
// Rules without a key or with an unparsable interval are dropped.
func ParseCustomIntervals(raw []RawInterval, logger *zap.Logger) []CustomInterval {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]CustomInterval, 0, len(raw))
	for i, r := range raw {
		rule, err := parseInterval(r)
		if err != nil {
			logger.Warn("dropping custom fetch interval",
				zap.Int("index", i),
				zap.String("key", r.Key),
				zap.String("value", r.Value),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rule)
	}
	return out
}

func parseInterval(r RawInterval) (CustomInterval, error) {
	key := strings.TrimSpace(r.Key)
	if key == "" {
		return CustomInterval{}, fmt.Errorf("metadata key is required")
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(r.Minutes))
	if err != nil {
		return CustomInterval{}, fmt.Errorf("parse minutes %q: %w", r.Minutes, err)
	}
	if minutes < NeverInterval {
		return CustomInterval{}, fmt.Errorf("minutes must be >= -1, got %d", minutes)
	}
	return CustomInterval{Key: key, Value: r.Value, Minutes: minutes}, nil
}
