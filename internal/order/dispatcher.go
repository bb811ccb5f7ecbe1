package order

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"position-engine/pkg/cache"
	"position-engine/pkg/logger"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// ErrQueueFull is returned when the worker owning the symbol is backed up.
var ErrQueueFull = errors.New("dispatch queue full")

// DispatcherConfig sizes the worker pool and the gateway rate limit.
type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	RatePerSec float64 // <= 0 disables limiting
	Burst      int
}

// ExecutionResult is the outcome of handing one intent to the gateway.
type ExecutionResult struct {
	IntentID  string        `json:"intent_id"`
	Symbol    string        `json:"symbol"`
	Success   bool          `json:"success"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Dispatcher submits intents to a gateway from a pool of workers. Intents for
// one symbol always go to the same worker, so per-instrument order is kept.
// Submit errors are turned into Rejected reports on the sink.
type Dispatcher struct {
	gw       Gateway
	sink     ReportSink
	limiter  *rate.Limiter
	queues   []*Queue
	resultCh chan ExecutionResult
	log      *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher; call Start before submitting.
func NewDispatcher(gw Gateway, sink ReportSink, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	d := &Dispatcher{
		gw:       gw,
		sink:     sink,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		resultCh: make(chan ExecutionResult, 100),
		log:      logger.OrNop(log).Named("dispatcher"),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.queues = append(d.queues, NewQueue(cfg.QueueSize))
	}
	return d
}

// Start launches the workers. They stop when ctx is cancelled or on Close.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for _, q := range d.queues {
		q := q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			q.Drain(ctx, func(in Intent) { d.execute(ctx, in) })
		}()
	}
}

// Submit enqueues an intent without blocking.
func (d *Dispatcher) Submit(in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q := d.queues[cache.ShardIndex(in.Symbol, len(d.queues))]
	if !q.TryEnqueue(in) {
		return errors.Wrapf(ErrQueueFull, "symbol %s", in.Symbol)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, in Intent) {
	start := time.Now()
	err := d.limiter.Wait(ctx)
	if err == nil {
		err = d.gw.Submit(ctx, in)
	}

	result := ExecutionResult{
		IntentID:  in.ID,
		Symbol:    in.Symbol,
		Success:   err == nil,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.ErrorMsg = err.Error()
		d.log.Warn("intent submit failed",
			zap.String("symbol", in.Symbol),
			zap.String("intent_id", in.ID),
			zap.String("kind", string(in.Kind)),
			zap.Error(err))
		if ctx.Err() == nil && d.sink != nil {
			d.sink(rejection(in, err.Error()))
		}
	} else {
		d.log.Debug("intent submitted",
			zap.String("symbol", in.Symbol),
			zap.String("intent_id", in.ID),
			zap.Duration("latency", result.Latency))
	}

	select {
	case d.resultCh <- result:
	default:
	}
}

// rejection builds the report for an intent that never reached the venue.
// A failed cancel rejects the cancel itself, leaving the target untouched.
func rejection(in Intent, reason string) Report {
	return Report{
		IntentID: in.ID,
		Symbol:   in.Symbol,
		Kind:     ReportRejected,
		TargetID: in.TargetID,
		Reason:   reason,
		Time:     time.Now(),
	}
}

// Results exposes submit outcomes for monitoring; slow readers miss results.
func (d *Dispatcher) Results() <-chan ExecutionResult {
	return d.resultCh
}

// Pending returns the number of queued intents across workers.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, q := range d.queues {
		n += q.Len()
	}
	return n
}

// Close stops accepting intents, lets the workers drain and waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		q.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	close(d.resultCh)
}
