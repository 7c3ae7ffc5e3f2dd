// Package router demultiplexes feed events into the command gate and the
// reconciliation engine.
//
// Events are handled one at a time in arrival order. Dispatch never waits on
// a timer or a platform call: the gate queues its remote work per thread.
package router

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/danmuck/threadlock/internal/feed"
	"github.com/danmuck/threadlock/internal/gate"
	"github.com/danmuck/threadlock/internal/observability"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/reconcile"
	"github.com/rs/zerolog"
)

var ErrNoSubscription = errors.New("router: subscription unavailable")

// MessageHandler accepts a chat message and reports the outcome on the
// returned channel once its remote work is done.
type MessageHandler interface {
	Submit(ctx context.Context, msg platform.MessageEvent) <-chan gate.Result
}

type ChangeHandler interface {
	HandleChange(change platform.AttributeChange) reconcile.Decision
}

// Source opens a message stream. feed.Bus satisfies it.
type Source interface {
	Subscribe(ctx context.Context) (<-chan *message.Message, error)
}

type Router struct {
	messages MessageHandler
	changes  ChangeHandler
	backoff  feed.BackoffConfig
	rng      *rand.Rand
	onSub    func()
	log      zerolog.Logger
}

func New(messages MessageHandler, changes ChangeHandler, logger zerolog.Logger) *Router {
	return &Router{
		messages: messages,
		changes:  changes,
		backoff:  feed.DefaultBackoff(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      logger,
	}
}

// WithBackoff overrides the resubscribe policy.
func (r *Router) WithBackoff(cfg feed.BackoffConfig) *Router {
	r.backoff = cfg
	return r
}

// OnSubscribe registers fn to run after every successful subscription.
func (r *Router) OnSubscribe(fn func()) *Router {
	r.onSub = fn
	return r
}

// Dispatch routes one event.
func (r *Router) Dispatch(ctx context.Context, evt platform.Event) error {
	if err := evt.Validate(); err != nil {
		observability.RecordFeedEvent("invalid")
		return err
	}
	observability.RecordFeedEvent(string(evt.Type))

	switch evt.Type {
	case platform.EventMessage:
		msg := *evt.Message
		if strings.TrimSpace(msg.Body) != "" {
			r.log.Info().
				Str("thread_id", msg.ThreadID).
				Str("sender_id", msg.SenderID).
				Str("body", msg.Body).
				Msg("router.Router.Dispatch message")
		}
		r.messages.Submit(ctx, msg)
	case platform.EventChange:
		d := r.changes.HandleChange(*evt.Change)
		r.log.Debug().
			Str("thread_id", evt.Change.ThreadID).
			Str("log_type", string(evt.Change.LogType)).
			Str("participant_id", evt.Change.ParticipantID).
			Str("action", string(d.Action)).
			Str("reason", d.Reason).
			Msg("router.Router.Dispatch change")
	}
	return nil
}

// Run consumes src until ctx ends, resubscribing with backoff when the
// stream closes or cannot be opened. Each message is acked after dispatch.
func (r *Router) Run(ctx context.Context, src Source) error {
	if src == nil {
		return ErrNoSubscription
	}
	attempt := 0
	for {
		msgs, err := src.Subscribe(ctx)
		if err == nil {
			if r.onSub != nil {
				r.onSub()
			}
			if r.drain(ctx, msgs) > 0 {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := feed.NextBackoffDelay(r.backoff, attempt, r.rng)
		evt := r.log.Warn().Int("attempt", attempt).Dur("delay", delay)
		if err != nil {
			evt = evt.Err(err)
		}
		evt.Msg("router.Router.Run subscription ended, resubscribing")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Router) drain(ctx context.Context, msgs <-chan *message.Message) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case msg, ok := <-msgs:
			if !ok {
				return n
			}
			n++
			evt, err := feed.Decode(msg)
			if err != nil {
				observability.RecordFeedEvent("invalid")
			} else {
				err = r.Dispatch(ctx, evt)
			}
			if err != nil {
				r.log.Warn().
					Err(err).
					Str("message_id", msg.UUID).
					Msg("router.Router.drain dropped malformed event")
			}
			msg.Ack()
		}
	}
}
