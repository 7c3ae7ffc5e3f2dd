package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/observability"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/timers"
	"github.com/rs/zerolog"
)

// DefaultNicknameSettle collapses rapid nickname edits into one correction.
const DefaultNicknameSettle = 2 * time.Second

// State is the lock state of one (kind, thread, participant) key.
type State string

const (
	StateUnlocked         State = "unlocked"
	StateLockedConsistent State = "locked_consistent"
	StateDriftDetected    State = "drift_detected"
	StateRevertScheduled  State = "revert_scheduled"
)

// Action is what HandleChange did with a notification.
type Action string

const (
	ActionIgnored   Action = "ignored"
	ActionNoop      Action = "noop"
	ActionScheduled Action = "scheduled"
)

type Config struct {
	TitleDelay     time.Duration
	NicknameSettle time.Duration
}

func DefaultConfig() Config {
	return Config{
		TitleDelay:     0,
		NicknameSettle: DefaultNicknameSettle,
	}
}

// Decision reports how one notification was handled.
type Decision struct {
	Action        Action
	Kind          locks.Kind
	ThreadID      string
	ParticipantID string
	Desired       string
	Delay         time.Duration
	Replaced      bool
	Reason        string
}

// PendingRevert is one scheduled corrective mutation. The value applied is
// read from the registry when it fires.
type PendingRevert struct {
	Kind          locks.Kind `json:"kind"`
	ThreadID      string     `json:"thread_id"`
	ParticipantID string     `json:"participant_id,omitempty"`
	FireAt        time.Time  `json:"fire_at"`
}

type stateKey struct {
	kind          locks.Kind
	threadID      string
	participantID string
}

func (k stateKey) timerKey() timers.Key {
	return timers.Key{Scope: scopeFor(k.kind), ThreadID: k.threadID, ParticipantID: k.participantID}
}

// Engine reconciles observed attribute values against the registry.
type Engine struct {
	cfg      Config
	registry *locks.Registry
	client   platform.Client
	table    *timers.Table
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[stateKey]State
}

// NewEngine builds an engine and subscribes it to registry changes so a
// newer desired value cancels pending corrections for that thread.
func NewEngine(cfg Config, registry *locks.Registry, client platform.Client, clock timers.Clock, logger zerolog.Logger) *Engine {
	if cfg.TitleDelay < 0 {
		cfg.TitleDelay = 0
	}
	if cfg.NicknameSettle < 0 {
		cfg.NicknameSettle = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		client:   client,
		table:    timers.NewTable(clock),
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		states:   make(map[stateKey]State),
	}
	registry.OnChange(e.onRegistryChange)
	return e
}

// HandleChange processes one attribute-change notification. It never
// blocks on a remote call.
func (e *Engine) HandleChange(change platform.AttributeChange) Decision {
	kind, ok := kindFor(change.LogType)
	if !ok {
		return Decision{Action: ActionIgnored, ThreadID: change.ThreadID, Reason: "unsupported log type"}
	}
	key := stateKey{kind: kind, threadID: change.ThreadID}
	if kind == locks.KindNickname {
		key.participantID = strings.TrimSpace(change.ParticipantID)
		if key.participantID == "" {
			return Decision{Action: ActionIgnored, Kind: kind, ThreadID: change.ThreadID, Reason: "missing participant"}
		}
	}
	out := Decision{Kind: kind, ThreadID: key.threadID, ParticipantID: key.participantID}

	desired, locked := e.registry.Get(kind, key.threadID)
	if !locked {
		out.Action = ActionIgnored
		out.Reason = "unlocked"
		return out
	}
	out.Desired = desired

	if change.NewValue == desired {
		if e.table.Cancel(key.timerKey()) {
			e.log.Debug().
				Str("kind", string(kind)).
				Str("thread_id", key.threadID).
				Str("participant_id", key.participantID).
				Msg("reconcile.Engine.HandleChange consistent again, pending revert dropped")
		}
		e.setState(key, StateLockedConsistent)
		out.Action = ActionNoop
		return out
	}

	observability.RecordDrift(string(kind))
	e.setState(key, StateDriftDetected)

	delay := e.cfg.TitleDelay
	if kind == locks.KindNickname {
		delay = e.cfg.NicknameSettle
	}
	e.log.Info().
		Str("kind", string(kind)).
		Str("thread_id", key.threadID).
		Str("participant_id", key.participantID).
		Str("author_id", change.AuthorID).
		Str("observed", change.NewValue).
		Str("desired", desired).
		Dur("delay", delay).
		Msg("reconcile.Engine.HandleChange drift detected")

	// State is set before scheduling: a zero delay may fire synchronously.
	e.setState(key, StateRevertScheduled)
	out.Replaced = e.table.Schedule(key.timerKey(), delay, func() { e.revert(key) })
	out.Action = ActionScheduled
	out.Delay = delay
	return out
}

// State reports the current state of a key. Title keys use an empty
// participant id.
func (e *Engine) State(kind locks.Kind, threadID, participantID string) State {
	if _, locked := e.registry.Get(kind, threadID); !locked {
		return StateUnlocked
	}
	if kind == locks.KindGroupName {
		participantID = ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[stateKey{kind: kind, threadID: threadID, participantID: participantID}]; ok {
		return st
	}
	return StateLockedConsistent
}

// Pending lists scheduled corrections ordered by fire time.
func (e *Engine) Pending() []PendingRevert {
	entries := e.table.Pending()
	out := make([]PendingRevert, 0, len(entries))
	for _, entry := range entries {
		out = append(out, PendingRevert{
			Kind:          kindForScope(entry.Key.Scope),
			ThreadID:      entry.Key.ThreadID,
			ParticipantID: entry.Key.ParticipantID,
			FireAt:        entry.FireAt,
		})
	}
	return out
}

// Stop cancels pending corrections. Calls already in flight finish.
func (e *Engine) Stop() {
	e.table.Stop()
	e.cancel()
}

func (e *Engine) revert(key stateKey) {
	desired, locked := e.registry.Get(key.kind, key.threadID)
	if !locked {
		e.clearState(key)
		return
	}

	start := time.Now()
	var err error
	switch key.kind {
	case locks.KindGroupName:
		err = e.client.SetTitle(e.ctx, key.threadID, desired)
	case locks.KindNickname:
		err = e.client.SetNickname(e.ctx, key.threadID, key.participantID, desired)
	}
	observability.RecordRevert(string(key.kind), err == nil, time.Since(start))

	if e.table.Has(key.timerKey()) {
		// A newer drift rescheduled this key while the call was in flight.
		return
	}
	if err != nil {
		e.setState(key, StateDriftDetected)
		e.log.Error().
			Err(err).
			Str("kind", string(key.kind)).
			Str("thread_id", key.threadID).
			Str("participant_id", key.participantID).
			Msg("reconcile.Engine.revert failed, waiting for next drift")
		return
	}
	e.setState(key, StateLockedConsistent)
	e.log.Info().
		Str("kind", string(key.kind)).
		Str("thread_id", key.threadID).
		Str("participant_id", key.participantID).
		Str("value", desired).
		Msg("reconcile.Engine.revert restored")
}

func (e *Engine) onRegistryChange(c locks.Change) {
	scope := scopeFor(c.Kind)
	cancelled := e.table.CancelWhere(func(k timers.Key) bool {
		return k.Scope == scope && k.ThreadID == c.ThreadID
	})

	e.mu.Lock()
	for key := range e.states {
		if key.kind == c.Kind && key.threadID == c.ThreadID {
			delete(e.states, key)
		}
	}
	e.mu.Unlock()

	if cancelled > 0 {
		e.log.Info().
			Str("kind", string(c.Kind)).
			Str("thread_id", c.ThreadID).
			Int("cancelled", cancelled).
			Msg("reconcile.Engine desired value changed, pending reverts dropped")
	}
}

// Consistent keys are not stored; absence means locked_consistent.
func (e *Engine) setState(key stateKey, st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st == StateLockedConsistent {
		delete(e.states, key)
		return
	}
	e.states[key] = st
}

func (e *Engine) clearState(key stateKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, key)
}

func kindFor(t platform.LogType) (locks.Kind, bool) {
	switch t {
	case platform.LogThreadName:
		return locks.KindGroupName, true
	case platform.LogThreadNickname:
		return locks.KindNickname, true
	default:
		return "", false
	}
}

func scopeFor(kind locks.Kind) string {
	return "revert:" + string(kind)
}

func kindForScope(scope string) locks.Kind {
	return locks.Kind(strings.TrimPrefix(scope, "revert:"))
}
