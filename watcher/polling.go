package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap"
)

// pollFunc runs one poll cycle. It returns the batch to report and the
// cycle outcome (one of the metrics.Outcome* values). A batch is reported
// only for metrics.OutcomeChanged, together with commit, which advances the
// watcher state to the batch. The loop calls commit once the batch has been
// delivered; an undelivered batch is detected again by the next cycle.
type pollFunc func(ctx context.Context) (changes []types.ChangeEvent, outcome string, commit func(), err error)

// poller runs a poll loop on its own timer. Cycles are strictly sequential.
type poller struct {
	typ      WatcherType
	name     string
	interval time.Duration
	poll     pollFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	results chan Result
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func newPoller(typ WatcherType, name string, interval time.Duration, cfg WatchConfig) *poller {
	return &poller{
		typ:      typ,
		name:     name,
		interval: interval,
		logger:   cfg.Logger.Named("watcher").With(zap.String("target", name)),
		metrics:  cfg.Metrics,
	}
}

// newInvoker builds the retry invoker for one watcher. Retry hooks feed the
// metrics before any hook supplied through cfg.InvokerOptions replaces them.
func (p *poller) newInvoker(cfg WatchConfig) (*retry.Invoker, error) {
	opts := []retry.Option{
		retry.WithLogger(p.logger),
		retry.WithOnRetry(func(int, time.Duration, error) {
			p.metrics.ObserveRetry(p.name)
		}),
		retry.WithOnExhausted(func(error) {
			p.metrics.ObserveExhausted(p.name)
		}),
	}
	opts = append(opts, cfg.InvokerOptions...)
	return retry.NewInvoker(cfg.RetryPolicy, p.interval, opts...)
}

// Type returns the watcher type identifier.
func (p *poller) Type() WatcherType {
	return p.typ
}

// Start launches the poll loop.
func (p *poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.results = make(chan Result)
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.cancel = cancel

	go p.run(runCtx, p.results, p.stopCh, p.done)
	return nil
}

func (p *poller) run(ctx context.Context, results chan<- Result, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(results)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}
		// The timer and a stop can be ready together.
		if ctx.Err() != nil {
			return
		}

		startTime := time.Now()
		changes, outcome, commit, err := p.poll(ctx)
		if ctx.Err() != nil {
			// Stopped mid-cycle.
			return
		}
		p.metrics.ObservePoll(p.name, outcome, time.Since(startTime))

		var res *Result
		switch {
		case err != nil:
			p.logger.Error("poll failed", zap.Error(err))
			res = &Result{Err: err}
		case outcome == metrics.OutcomeChanged:
			p.logger.Debug("changes detected", zap.Int("count", len(changes)))
			res = &Result{Changes: changes}
		}

		if res != nil {
			select {
			case results <- *res:
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
		if commit != nil {
			commit()
			p.metrics.ObserveChanges(p.name, changes)
		}

		// Keep start-to-start spacing at one interval.
		wait := max(p.interval-time.Since(startTime), 0)
		timer.Reset(wait)
	}
}

// Stop cancels the poll loop and waits for it to exit.
func (p *poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel receiving poll results.
func (p *poller) Results() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}
