package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/observability"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/rollout"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidConfig = errors.New("gate: invalid config")
	ErrUnauthorized  = errors.New("gate: unauthorized sender")
)

const (
	ReplyUnauthorized    = "❌ Unauthorized user."
	ReplyPong            = "✅ Pong!"
	ReplyGroupLockFailed = "❌ Failed to lock group name."
	ReplyRosterFailed    = "❌ Failed to get thread info."

	replyGroupLocked    = "✅ Group name locked as: %s"
	replyNicknameLocked = "✅ Nicknames locked as: %s"
	persistenceWarning  = "\n⚠️ Lock is active but could not be saved."
)

// Outcome names the branch a message took through the gate.
type Outcome string

const (
	OutcomeNotCommand      Outcome = "not_command"
	OutcomeRejected        Outcome = "rejected"
	OutcomePong            Outcome = "pong"
	OutcomeGroupLocked     Outcome = "group_locked"
	OutcomeGroupLockFailed Outcome = "group_lock_failed"
	OutcomeNicknameLocked  Outcome = "nickname_locked"
	OutcomeRosterFailed    Outcome = "roster_failed"
	// OutcomeIgnored covers unknown verbs and lock verbs without "on".
	// These get no reply.
	OutcomeIgnored Outcome = "ignored"
)

type Config struct {
	AdminID string
	Prefix  string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AdminID) == "" {
		return fmt.Errorf("%w: admin id required", ErrInvalidConfig)
	}
	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix required", ErrInvalidConfig)
	}
	return nil
}

// RolloutStarter applies a nickname across a roster.
type RolloutStarter interface {
	Start(threadID, nickname string, roster []string) []rollout.Step
	Cancel(threadID string) int
}

// Result describes how one message was handled. Err carries the failure
// behind a failed outcome, or a *locks.PersistenceError next to a
// successful one.
type Result struct {
	Outcome Outcome
	Command Command
	Reply   string
	Steps   int
	Err     error
}

// remoteWork is the part of a command that talks to the platform.
type remoteWork func(ctx context.Context) Result

func done(res Result) remoteWork {
	return func(context.Context) Result { return res }
}

type threadQueue struct {
	jobs []func()
}

type Gate struct {
	cfg      Config
	registry *locks.Registry
	client   platform.Client
	rollouts RolloutStarter
	log      zerolog.Logger

	mu     sync.Mutex
	queues map[string]*threadQueue
	wg     sync.WaitGroup
}

func New(cfg Config, registry *locks.Registry, client platform.Client, rollouts RolloutStarter, logger zerolog.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil || client == nil || rollouts == nil {
		return nil, fmt.Errorf("%w: registry, client and rollouts required", ErrInvalidConfig)
	}
	return &Gate{
		cfg:      cfg,
		registry: registry,
		client:   client,
		rollouts: rollouts,
		log:      logger,
		queues:   make(map[string]*threadQueue),
	}, nil
}

// Handle submits msg and waits for its remote work to finish.
func (g *Gate) Handle(ctx context.Context, msg platform.MessageEvent) Result {
	return <-g.Submit(ctx, msg)
}

// Submit parses and authorizes msg and writes any lock to the registry on
// the caller's goroutine. Platform calls and the reply run on a worker that
// is serialized per thread, so Submit never waits on the network. The final
// Result is delivered on the returned channel.
func (g *Gate) Submit(ctx context.Context, msg platform.MessageEvent) <-chan Result {
	out := make(chan Result, 1)
	cmd, ok := Parse(g.cfg.Prefix, msg.Body)
	if !ok {
		out <- Result{Outcome: OutcomeNotCommand}
		return out
	}
	cmd.ThreadID = msg.ThreadID
	cmd.SenderID = msg.SenderID

	var work remoteWork
	switch {
	case msg.SenderID != g.cfg.AdminID:
		work = done(Result{Outcome: OutcomeRejected, Reply: ReplyUnauthorized, Err: ErrUnauthorized})
	case cmd.Verb == VerbPing:
		work = done(Result{Outcome: OutcomePong, Reply: ReplyPong})
	case cmd.Verb == VerbGroupLockName && cmd.On():
		work = g.lockGroupName(cmd)
	case cmd.Verb == VerbNicknameLock && cmd.On():
		work = g.lockNickname(cmd)
	default:
		res := Result{Outcome: OutcomeIgnored, Command: cmd}
		g.record(res)
		out <- res
		return out
	}

	g.enqueue(cmd.ThreadID, func() {
		res := work(ctx)
		res.Command = cmd
		g.record(res)
		g.reply(ctx, res)
		out <- res
	})
	return out
}

// Wait blocks until every queued command has finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) enqueue(threadID string, job func()) {
	g.mu.Lock()
	q, running := g.queues[threadID]
	if !running {
		q = &threadQueue{}
		g.queues[threadID] = q
		g.wg.Add(1)
	}
	q.jobs = append(q.jobs, job)
	g.mu.Unlock()
	if !running {
		go g.drain(threadID, q)
	}
}

func (g *Gate) drain(threadID string, q *threadQueue) {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if len(q.jobs) == 0 {
			delete(g.queues, threadID)
			g.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		g.mu.Unlock()
		job()
	}
}

func (g *Gate) record(res Result) {
	observability.RecordCommand(verbLabel(res.Command.Verb), string(res.Outcome))
	evt := g.log.Info()
	if res.Err != nil {
		evt = g.log.Warn().Err(res.Err)
	}
	evt.Str("thread_id", res.Command.ThreadID).
		Str("sender_id", res.Command.SenderID).
		Str("verb", res.Command.Verb).
		Str("outcome", string(res.Outcome)).
		Msg("gate.Gate.Submit command")
}

func (g *Gate) reply(ctx context.Context, res Result) {
	if res.Reply == "" {
		return
	}
	if err := g.client.SendMessage(ctx, res.Command.ThreadID, res.Reply); err != nil {
		g.log.Error().
			Err(err).
			Str("thread_id", res.Command.ThreadID).
			Str("outcome", string(res.Outcome)).
			Msg("gate.Gate.reply send failed")
	}
}

func (g *Gate) lockGroupName(cmd Command) remoteWork {
	name := cmd.Value()
	persistErr, err := g.set(locks.KindGroupName, cmd.ThreadID, name)
	if err != nil {
		return done(Result{Outcome: OutcomeGroupLockFailed, Reply: ReplyGroupLockFailed, Err: err})
	}
	return func(ctx context.Context) Result {
		if err := g.client.SetTitle(ctx, cmd.ThreadID, name); err != nil {
			return Result{
				Outcome: OutcomeGroupLockFailed,
				Reply:   withWarning(ReplyGroupLockFailed, persistErr),
				Err:     err,
			}
		}
		return Result{
			Outcome: OutcomeGroupLocked,
			Reply:   withWarning(fmt.Sprintf(replyGroupLocked, name), persistErr),
			Err:     persistErr,
		}
	}
}

func (g *Gate) lockNickname(cmd Command) remoteWork {
	nickname := cmd.Value()
	persistErr, err := g.set(locks.KindNickname, cmd.ThreadID, nickname)
	if err != nil {
		return done(Result{Outcome: OutcomeRosterFailed, Reply: ReplyRosterFailed, Err: err})
	}
	// The old rollout stops now, and again on the worker in case a command
	// queued ahead of this one starts it.
	g.rollouts.Cancel(cmd.ThreadID)
	return func(ctx context.Context) Result {
		g.rollouts.Cancel(cmd.ThreadID)
		roster, err := g.client.GetRoster(ctx, cmd.ThreadID)
		if err != nil {
			return Result{
				Outcome: OutcomeRosterFailed,
				Reply:   withWarning(ReplyRosterFailed, persistErr),
				Err:     err,
			}
		}
		res := Result{
			Outcome: OutcomeNicknameLocked,
			Reply:   withWarning(fmt.Sprintf(replyNicknameLocked, nickname), persistErr),
			Err:     persistErr,
		}
		if current, _ := g.registry.Get(locks.KindNickname, cmd.ThreadID); current != nickname {
			g.log.Info().
				Str("thread_id", cmd.ThreadID).
				Str("nickname", nickname).
				Str("current", current).
				Msg("gate.Gate.lockNickname superseded, rollout skipped")
			return res
		}
		res.Steps = len(g.rollouts.Start(cmd.ThreadID, nickname, roster))
		return res
	}
}

// set writes the registry. A flush failure is returned separately because
// the lock still applies in memory.
func (g *Gate) set(kind locks.Kind, threadID, value string) (persistErr error, err error) {
	err = g.registry.Set(kind, threadID, value)
	if err == nil {
		return nil, nil
	}
	var pe *locks.PersistenceError
	if errors.As(err, &pe) {
		observability.RecordPersistenceFailure(string(kind))
		g.log.Error().
			Err(err).
			Str("kind", string(kind)).
			Str("thread_id", threadID).
			Msg("gate.Gate.set flush failed, lock held in memory")
		return err, nil
	}
	return nil, err
}

func withWarning(reply string, persistErr error) string {
	if persistErr == nil {
		return reply
	}
	return reply + persistenceWarning
}

func verbLabel(verb string) string {
	switch verb {
	case VerbPing, VerbGroupLockName, VerbNicknameLock:
		return verb
	default:
		return "other"
	}
}
