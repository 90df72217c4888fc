package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
	"github.com/zhouzirui/z-coach/backend/internal/service/notify"
	"github.com/zhouzirui/z-coach/backend/internal/store"
)

const (
	DefaultTurnTimeout    = 60 * time.Second
	DefaultMaxConcurrency = 8
)

// DispatcherConfig bounds background production.
type DispatcherConfig struct {
	TurnTimeout    time.Duration
	MaxConcurrency int
}

// Dispatcher runs producers in the background and is the only writer that
// moves assistant turns out of processing.
type Dispatcher struct {
	store    store.Store
	producer Producer
	signal   notify.Signaler
	timeout  time.Duration
	sem      chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wires the producer to the store and the completion signal.
// A nil producer fails every turn with the unavailable code.
func NewDispatcher(st store.Store, producer Producer, signal notify.Signaler, cfg DispatcherConfig) *Dispatcher {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Dispatcher{
		store:    st,
		producer: producer,
		signal:   signal,
		timeout:  cfg.TurnTimeout,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Dispatch schedules production of req.AssistantTurnID and returns at once.
// The work outlives ctx's cancellation but keeps its values.
func (d *Dispatcher) Dispatch(ctx context.Context, req ProduceRequest) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.finish(context.WithoutCancel(ctx), req, chat.Completion{},
			NewProduceError(chat.ErrorCodeUnavailable, errors.New("dispatcher is shutting down")))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(context.WithoutCancel(ctx), req)
}

// Close stops accepting work. In-flight turns keep running; use Wait to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait blocks until every dispatched turn has been persisted or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, req ProduceRequest) {
	defer d.wg.Done()

	produceCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-produceCtx.Done():
		d.finish(ctx, req, chat.Completion{},
			NewProduceError(chat.ErrorCodeTimeout, errors.New("no producer slot before deadline")))
		return
	}

	started := time.Now()
	completion, err := d.produce(produceCtx, req)
	if err == nil && completion.Metrics != nil && completion.Metrics.LatencyMs == 0 {
		completion.Metrics.LatencyMs = time.Since(started).Milliseconds()
	}
	d.finish(ctx, req, completion, err)
}

func (d *Dispatcher) produce(ctx context.Context, req ProduceRequest) (completion chat.Completion, err error) {
	if d.producer == nil {
		return chat.Completion{}, NewProduceError(chat.ErrorCodeUnavailable, errors.New("ai producer is not configured"))
	}
	defer func() {
		if r := recover(); r != nil {
			err = NewProduceError(chat.ErrorCodeProducer, fmt.Errorf("producer panic: %v", r))
		}
	}()
	completion, err = d.producer.Produce(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return completion, err
}

// finish persists the outcome and then signals waiters. ctx carries no deadline.
func (d *Dispatcher) finish(ctx context.Context, req ProduceRequest, completion chat.Completion, err error) {
	logger := log.With().
		Str("component", "chat.dispatcher").
		Str("chat_id", req.Chat.ID).
		Int64("turn_id", req.AssistantTurnID).
		Logger()

	var storeErr error
	if err != nil {
		code := errorCode(err)
		logger.Warn().Err(err).Str("code", code).Msg("turn production failed")
		_, storeErr = d.store.FailTurn(ctx, req.AssistantTurnID, code, err.Error())
	} else {
		completion.UserTurnID = req.UserTurn.ID
		_, storeErr = d.store.CompleteTurn(ctx, req.AssistantTurnID, completion)
	}

	switch {
	case storeErr == nil:
		logger.Debug().Bool("failed", err != nil).Msg("turn finalized")
	case errors.Is(storeErr, store.ErrNotFound):
		// turn was deleted or its chat reset while production ran
		logger.Debug().Msg("turn vanished before completion")
	case errors.Is(storeErr, store.ErrTurnFinalized):
		logger.Warn().Msg("turn already finalized")
	default:
		logger.Error().Err(storeErr).Msg("persist turn outcome")
	}

	if d.signal != nil {
		d.signal.Notify(req.AssistantTurnID)
	}
}

func errorCode(err error) string {
	var produceErr *ProduceError
	switch {
	case errors.As(err, &produceErr) && produceErr.Code != "":
		return produceErr.Code
	case errors.Is(err, context.DeadlineExceeded):
		return chat.ErrorCodeTimeout
	default:
		return chat.ErrorCodeProducer
	}
}
