// Package dispatch delivers terminal session outcomes. Every outcome is
// written to the durable outbox and the log; a still-attached client
// connection and an optional webhook receive it as well.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/outbox"
	"github.com/shivuat/vzstt/internal/policy"
	"github.com/shivuat/vzstt/internal/stage"
)

// Outcome is a terminal session result ready for delivery. Message is the
// protocol payload (a SessionResult or SessionError).
type Outcome struct {
	SessionID string
	State     string
	Message   any
}

type Config struct {
	// ReplyTimeout bounds a write to a live connection.
	ReplyTimeout time.Duration
	// RedactLogs masks personal data in the logged outcome. Stored and
	// delivered payloads are never altered.
	RedactLogs bool
}

type Dispatcher struct {
	store        outbox.Store
	live         *Live
	webhook      *Webhook
	metrics      *observability.Metrics
	replyTimeout time.Duration
	redactLogs   bool
	log          zerolog.Logger
}

// New returns a dispatcher. live, webhook and metrics may be nil.
func New(cfg Config, store outbox.Store, live *Live, webhook *Webhook, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:        store,
		live:         live,
		webhook:      webhook,
		metrics:      metrics,
		replyTimeout: timeout,
		redactLogs:   cfg.RedactLogs,
		log:          log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch persists o and then attempts the best-effort sinks. Only an
// outbox failure is returned, as a DispatchFailure.
func (d *Dispatcher) Dispatch(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o.Message)
	if err != nil {
		return stage.Fail(stage.Dispatch, stage.KindDispatchFailure, fmt.Errorf("encode outcome: %w", err))
	}

	rec := outbox.Record{
		ID:        uuid.NewString(),
		SessionID: o.SessionID,
		State:     o.State,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	err = d.store.Save(ctx, rec)
	d.observe("outbox", err)
	if err != nil {
		d.log.Error().Err(err).Str("session_id", o.SessionID).Str("state", o.State).Msg("outbox write failed")
		return stage.Fail(stage.Dispatch, stage.KindDispatchFailure, err)
	}

	logged := payload
	if d.redactLogs {
		logged, _ = policy.RedactResult(payload)
	}
	d.log.Info().
		Str("session_id", o.SessionID).
		Str("state", o.State).
		Str("outbox_id", rec.ID).
		RawJSON("result", logged).
		Msg("session outcome")

	if d.live != nil {
		sendCtx, cancel := context.WithTimeout(ctx, d.replyTimeout)
		err := d.live.Send(sendCtx, o.SessionID, payload)
		cancel()
		switch {
		case errors.Is(err, ErrNotAttached):
			d.log.Debug().Str("session_id", o.SessionID).Msg("no live connection, result left in outbox")
		case err != nil:
			d.observe("live", err)
			d.log.Warn().Err(err).Str("session_id", o.SessionID).Msg("live reply failed, result left in outbox")
		default:
			d.observe("live", nil)
		}
	}

	if d.webhook != nil {
		err := d.webhook.Post(ctx, o.SessionID, payload)
		d.observe("webhook", err)
		if err != nil {
			d.log.Warn().Err(err).Str("session_id", o.SessionID).Msg("webhook delivery failed")
		}
	}
	return nil
}

// Result returns the stored outcome payload for a session.
func (d *Dispatcher) Result(ctx context.Context, sessionID string) (outbox.Record, error) {
	return d.store.Get(ctx, sessionID)
}

func (d *Dispatcher) observe(sink string, err error) {
	if d.metrics != nil {
		d.metrics.ObserveDelivery(sink, err)
	}
}
