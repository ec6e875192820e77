// Package dispatch runs one send pass over a campaign's recipients.
//
// A pass loads the campaign, its message and recipients, calls the transport
// once per recipient, records one Attempt per recipient and finally persists
// the campaign status. Recipient failures are recorded and never stop the
// pass. Failures of the pass itself (lookups, ledger writes) mark the
// campaign failed and come back as *EngineError.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"mailcast/internal/eventbus"
	"mailcast/internal/ledger"
	"mailcast/internal/models"
	"mailcast/internal/observability/metrics"
	"mailcast/internal/runtime/keylock"
	"mailcast/internal/storage"
	"mailcast/internal/transport"
	logx "mailcast/pkg/logx"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// EngineError is a failure of the pass itself, as opposed to a failed send.
type EngineError struct {
	CampaignID int64
	Op         string
	Err        error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("dispatch campaign %d: %s: %v", e.CampaignID, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

type Config struct {
	// RatePerSec caps transport calls across all passes. <= 0 means unlimited.
	RatePerSec int
	// Parallelism is the number of concurrent sends within one pass.
	Parallelism int
	// SendTimeout bounds each transport call. 0 means no bound.
	SendTimeout time.Duration
}

// Store is the slice of storage a pass reads and writes.
type Store interface {
	storage.CampaignStore
	storage.MessageStore
	storage.RecipientStore
}

// Result summarizes one pass.
type Result struct {
	PassID     string                `json:"pass_id"`
	CampaignID int64                 `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Attempts   int                   `json:"attempts"`
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	Duration   time.Duration         `json:"duration"`
}

type Dispatcher struct {
	store  Store
	ledger *ledger.Ledger
	sender transport.Sender
	log    logx.Logger
	bus    eventbus.Bus

	locks   keylock.Map[int64]
	limiter *rate.Limiter

	mu  sync.RWMutex
	cfg Config
}

func New(store Store, l *ledger.Ledger, sender transport.Sender, cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:   store,
		ledger:  l,
		sender:  sender,
		log:     log.With(logx.String("comp", "dispatch")),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	d.Apply(cfg)
	return d
}

// Apply swaps rate, parallelism and send timeout. Passes already running keep
// their parallelism; the limiter change takes effect immediately.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.RatePerSec > 0 {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		d.limiter.SetBurst(cfg.RatePerSec)
	} else {
		d.limiter.SetLimit(rate.Inf)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch runs one pass for campaignID. Passes for the same campaign never
// overlap. Once started, a pass runs to completion even if ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID int64) (Result, error) {
	unlock := d.locks.Lock(campaignID)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	cfg := d.config()
	start := time.Now()
	res := Result{PassID: models.NewPassID(), CampaignID: campaignID}
	log := d.log.With(logx.Int64("campaign_id", campaignID), logx.String("pass_id", res.PassID))

	c, err := d.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dispatch skipped: campaign not found")
		return res, fmt.Errorf("campaign %d: %w", campaignID, ErrCampaignNotFound)
	}
	if err != nil {
		return d.fail(ctx, log, res, start, "load campaign", err)
	}

	msg, err := d.store.GetMessage(ctx, c.MessageID)
	if err != nil {
		return d.fail(ctx, log, res, start, "load message", err)
	}
	recipients, err := d.store.ListRecipients(ctx, campaignID)
	if err != nil {
		return d.fail(ctx, log, res, start, "load recipients", err)
	}

	eventbus.Publish(d.bus, eventbus.DispatchStarted, map[string]any{
		"campaign_id": campaignID,
		"pass_id":     res.PassID,
		"recipients":  len(recipients),
	})
	log.Info("dispatch started", logx.Int("recipients", len(recipients)), logx.Int("parallelism", cfg.Parallelism))

	p := &pass{
		d:        d,
		cfg:      cfg,
		log:      log,
		campaign: c,
		msg:      msg,
		passID:   res.PassID,
	}
	if cfg.Parallelism <= 1 || len(recipients) <= 1 {
		for _, r := range recipients {
			if !p.deliver(ctx, r) {
				break
			}
		}
	} else {
		wp := pool.New().WithMaxGoroutines(cfg.Parallelism)
		for _, r := range recipients {
			r := r
			wp.Go(func() { p.deliver(ctx, r) })
		}
		wp.Wait()
	}

	res.Attempts = int(p.attempts.Load())
	res.Succeeded = int(p.succeeded.Load())
	res.Failed = int(p.failed.Load())
	if op, err := p.failure(); err != nil {
		return d.fail(ctx, log, res, start, op, err)
	}

	if err := d.store.SaveCampaignStatus(ctx, campaignID, models.CampaignSent); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The campaign vanished mid-pass; there is no row left to mark.
			return d.finish(log, res, start, models.CampaignFailed, &EngineError{CampaignID: campaignID, Op: "save status", Err: err})
		}
		return d.fail(ctx, log, res, start, "save status", err)
	}
	return d.finish(log, res, start, models.CampaignSent, nil)
}

// fail marks the campaign failed and returns the engine error.
func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, res Result, start time.Time, op string, cause error) (Result, error) {
	ee := &EngineError{CampaignID: res.CampaignID, Op: op, Err: cause}
	if err := d.store.SaveCampaignStatus(ctx, res.CampaignID, models.CampaignFailed); err != nil {
		log.Error("mark campaign failed", logx.Err(err))
		ee.Err = errors.Join(cause, fmt.Errorf("mark failed: %w", err))
	}
	return d.finish(log, res, start, models.CampaignFailed, ee)
}

func (d *Dispatcher) finish(log logx.Logger, res Result, start time.Time, status models.CampaignStatus, err error) (Result, error) {
	res.Status = status
	res.Duration = time.Since(start)
	metrics.DispatchPasses.WithLabelValues(string(status)).Inc()
	metrics.DispatchPassDuration.Observe(res.Duration.Seconds())
	eventbus.Publish(d.bus, eventbus.DispatchFinished, res)

	fields := []logx.Field{
		logx.String("status", string(status)),
		logx.Int("attempts", res.Attempts),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", res.Duration),
	}
	if err != nil {
		log.Error("dispatch failed", append(fields, logx.Err(err))...)
		return res, err
	}
	log.Info("dispatch finished", fields...)
	return res, nil
}

// pass carries the state shared by the recipients of one Dispatch call.
type pass struct {
	d        *Dispatcher
	cfg      Config
	log      logx.Logger
	campaign models.Campaign
	msg      models.Message
	passID   string

	attempts  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	errMu    sync.Mutex
	firstErr error
	errOp    string
}

func (p *pass) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

// failure returns the first engine error and the step that produced it.
func (p *pass) failure() (string, error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errOp, p.firstErr
}

func (p *pass) setErr(op string, err error) {
	p.errMu.Lock()
	if p.firstErr == nil {
		p.firstErr, p.errOp = err, op
	}
	p.errMu.Unlock()
}

// deliver sends to one recipient and records the attempt. It reports false
// once the pass has an engine error and remaining recipients should be skipped.
func (p *pass) deliver(ctx context.Context, r models.Recipient) bool {
	if p.err() != nil {
		return false
	}
	// ctx carries no deadline, so Wait fails only on a misconfigured burst.
	if err := p.d.limiter.Wait(ctx); err != nil {
		p.setErr("rate limit", err)
		return false
	}

	began := time.Now()
	sendErr := p.send(ctx, r)
	outcome := models.OutcomeSucceeded
	if sendErr != nil {
		outcome = models.OutcomeFailed
	}
	metrics.SendDuration.WithLabelValues(string(outcome)).Observe(time.Since(began).Seconds())

	a := models.Attempt{
		PassID:      p.passID,
		CampaignID:  p.campaign.ID,
		RecipientID: r.ID,
		MessageID:   p.msg.ID,
		Address:     r.Address,
		Outcome:     outcome,
		StatusCode:  transport.StatusCode(sendErr),
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
		p.log.Debug("recipient send failed", logx.Int64("recipient_id", r.ID), logx.Int("code", a.StatusCode), logx.Err(sendErr))
	}

	a, err := p.d.ledger.Append(ctx, a)
	if err != nil {
		p.setErr("append attempt", err)
		return false
	}
	p.attempts.Add(1)
	if sendErr != nil {
		p.failed.Add(1)
	} else {
		p.succeeded.Add(1)
	}
	metrics.DispatchAttempts.WithLabelValues(string(outcome)).Inc()
	eventbus.Publish(p.d.bus, eventbus.DispatchAttempt, a)
	return true
}

// send calls the transport, turning a panic into a failed send.
func (p *pass) send(ctx context.Context, r models.Recipient) (err error) {
	if p.d.sender == nil {
		return transport.Errorf(503, "no transport configured")
	}
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("transport panic", logx.Int64("recipient_id", r.ID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("transport panic: %v", rec)
		}
	}()
	return p.d.sender.Send(ctx, r.Address, p.msg.Subject, p.msg.Body)
}
