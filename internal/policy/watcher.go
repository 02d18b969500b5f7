package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher reads the parameter.
	DefaultPollInterval = 60 * time.Second

	maxWatchBackoff = 5 * time.Minute
)

// ParameterFetcher is the subset of the SSM client the watcher uses.
type ParameterFetcher interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

var _ ParameterFetcher = (*ssm.Client)(nil)

// WatcherMetrics observes the default-policy watcher.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollFetchError
	pollDecodeError
)

type WatcherOptions struct {
	Logger       log.Logger
	Client       ParameterFetcher
	Param        string
	Store        *Store
	PollInterval time.Duration
	Metrics      WatcherMetrics

	// StaleThreshold is how long without a successful read before the
	// watcher reports itself stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// DefaultWatcher polls an SSM parameter holding the default Policy as JSON
// and swaps it into a Store when it changes.
type DefaultWatcher struct {
	client   ParameterFetcher
	param    string
	store    *Store
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics

	lastValue       string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewDefaultWatcher(opts WatcherOptions) (*DefaultWatcher, error) {
	if opts.Client == nil {
		return nil, xerrors.New("SSM client is required")
	}
	if opts.Param == "" {
		return nil, xerrors.New("SSM parameter name is required")
	}
	if opts.Store == nil {
		return nil, xerrors.New("store is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	return &DefaultWatcher{
		client:         opts.Client,
		param:          opts.Param,
		store:          opts.Store,
		logger:         log.OrNop(opts.Logger),
		interval:       opts.PollInterval,
		metrics:        opts.Metrics,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
	}, nil
}

// Run polls until ctx is cancelled. The first read happens immediately.
func (w *DefaultWatcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "default policy watcher starting",
		"param", w.param,
		"poll_interval", w.interval.String(),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "default policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-timer.C:
			result := w.checkOnce(ctx)
			next := w.interval

			if result == pollFetchError {
				w.consecutiveErrs++
				next = w.backoffDuration()
				w.logger.Warn(ctx, "default policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", next.String(),
				)
				if time.Since(w.lastSuccessAt) > w.staleThreshold && !w.staleLogged {
					w.logger.Error(ctx, fmt.Errorf("last successful read was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"default policy watcher: default policy is stale",
					)
					w.staleLogged = true
					if w.metrics != nil {
						w.metrics.SetWatcherStale(true)
					}
				}
			} else {
				if w.consecutiveErrs > 0 {
					w.logger.Info(ctx, "default policy watcher: recovered",
						"had_consecutive_errors", w.consecutiveErrs,
					)
					w.consecutiveErrs = 0
				}
				if w.staleLogged {
					w.staleLogged = false
					if w.metrics != nil {
						w.metrics.SetWatcherStale(false)
					}
				}
			}
			timer.Reset(next)
		}
	}
}

func (w *DefaultWatcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	out, err := w.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(w.param),
	})
	if err == nil && (out == nil || out.Parameter == nil || out.Parameter.Value == nil) {
		err = xerrors.Newf("SSM parameter %s has no value", w.param)
	}
	if err != nil {
		w.logger.Error(ctx, err, "default policy watcher: SSM read failed", "param", w.param)
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollFetchError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	value := aws.ToString(out.Parameter.Value)
	if value == w.lastValue {
		return pollNoChange
	}

	var p Policy
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		w.logger.Error(ctx, err, "default policy watcher: invalid policy JSON, keeping current default",
			"param", w.param,
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("decode")
		}
		// remember the bad value so it is reported once, not every poll
		w.lastValue = value
		return pollDecodeError
	}
	w.lastValue = value

	old := w.store.Default()
	if !w.store.SetDefault(p) {
		return pollNoChange
	}
	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
	w.logger.Info(ctx, "default policy updated",
		"old", old.String(),
		"new", p.String(),
	)
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped.
func (w *DefaultWatcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxWatchBackoff || d <= 0 {
		d = maxWatchBackoff
	}
	return d
}
