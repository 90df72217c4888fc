package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// Outcome is how a wait for an assistant turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeError     Outcome = "error"
	// OutcomeTimeout means the turn was still processing when the attempt
	// ceiling ran out. Wait again later; do not resubmit the message.
	OutcomeTimeout Outcome = "timeout"
)

const DefaultMaxAttempts = 4

var errStillProcessing = errors.New("turn still processing")

// Result of Poller.Wait.
type Result struct {
	Outcome  Outcome
	Turn     chat.Turn
	Attempts int
	// LastErr is the last transport error seen before a timeout, if any.
	LastErr error
}

// Poller waits for an assistant turn with a bounded number of long-poll
// attempts and backoff between them.
type Poller struct {
	Client      *Client
	MaxAttempts int
	// NewBackOff builds the interval policy between attempts.
	NewBackOff func() backoff.BackOff
}

// NewPoller returns a Poller with the default ceiling and an exponential
// backoff starting at 500ms.
func NewPoller(c *Client) *Poller {
	return &Poller{
		Client:      c,
		MaxAttempts: DefaultMaxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Wait polls until the turn is terminal or the attempt ceiling is reached.
// Client errors (4xx) are returned as is; server and transport errors count
// as attempts.
func (p *Poller) Wait(ctx context.Context, chatID string, turnID int64) (Result, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}

	var res Result
	op := func() error {
		res.Attempts++
		turn, err := p.Client.WaitTurn(ctx, chatID, turnID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			res.LastErr = err
			return err
		}
		res.Turn = turn
		res.LastErr = nil
		if !turn.Status.Terminal() {
			return errStillProcessing
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx))
	switch {
	case err == nil && res.Turn.Status == chat.StatusError:
		res.Outcome = OutcomeError
		return res, nil
	case err == nil:
		res.Outcome = OutcomeCompleted
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, errStillProcessing) || errors.Is(err, res.LastErr):
		res.Outcome = OutcomeTimeout
		return res, nil
	default:
		return res, err
	}
}

// SendAndWait submits a message and waits for the assistant reply.
func (p *Poller) SendAndWait(ctx context.Context, chatID string, req SendRequest) (SendResponse, Result, error) {
	sent, err := p.Client.Send(ctx, chatID, req)
	if err != nil {
		return SendResponse{}, Result{}, err
	}
	res, err := p.Wait(ctx, chatID, sent.AssistantTurn.ID)
	return sent, res, err
}
