// Package rollout applies one nickname across a thread's roster with a fixed
// spacing between participants.
//
// Participant i is changed no earlier than i*Interval after Start, and never
// before the call for participant i-1 has returned. A newer Start or a Cancel
// for the same thread drops every step of the older rollout that has not
// fired yet.
package rollout

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/threadlock/internal/observability"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/timers"
	"github.com/rs/zerolog"
)

// DefaultInterval is the spacing between two nickname changes.
const DefaultInterval = 10 * time.Second

const scope = "rollout"

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Step is one scheduled nickname change. FireAt is the earliest time it
// may run.
type Step struct {
	ThreadID      string    `json:"thread_id"`
	ParticipantID string    `json:"participant_id"`
	Nickname      string    `json:"nickname"`
	Index         int       `json:"index"`
	FireAt        time.Time `json:"fire_at"`
}

// run is one rollout. Only the step at next is armed at any time.
type run struct {
	gen   uint64
	steps []Step
	next  int
}

// Scheduler owns every pending rollout step.
type Scheduler struct {
	cfg    Config
	client platform.Client
	clock  timers.Clock
	table  *timers.Table
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	gen  uint64
	runs map[string]*run
}

func NewScheduler(cfg Config, client platform.Client, clock timers.Clock, logger zerolog.Logger) *Scheduler {
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if clock == nil {
		clock = timers.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		client: client,
		clock:  clock,
		table:  timers.NewTable(clock),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// Start cancels unfired steps of any earlier rollout for threadID and
// schedules nickname for every participant in roster order. Blank and
// repeated participant ids are skipped.
func (s *Scheduler) Start(threadID, nickname string, roster []string) []Step {
	s.Cancel(threadID)

	now := s.clock.Now()
	seen := make(map[string]struct{}, len(roster))
	steps := make([]Step, 0, len(roster))
	for _, raw := range roster {
		participantID := strings.TrimSpace(raw)
		if participantID == "" {
			continue
		}
		if _, dup := seen[participantID]; dup {
			continue
		}
		seen[participantID] = struct{}{}
		i := len(steps)
		steps = append(steps, Step{
			ThreadID:      threadID,
			ParticipantID: participantID,
			Nickname:      nickname,
			Index:         i,
			FireAt:        now.Add(time.Duration(i) * s.cfg.Interval),
		})
	}

	s.log.Info().
		Str("thread_id", threadID).
		Str("nickname", nickname).
		Int("participants", len(steps)).
		Dur("interval", s.cfg.Interval).
		Msg("rollout.Scheduler.Start scheduled")
	if len(steps) == 0 {
		return steps
	}

	s.mu.Lock()
	s.gen++
	r := &run{gen: s.gen, steps: append([]Step(nil), steps...)}
	s.runs[threadID] = r
	s.mu.Unlock()

	s.arm(threadID, r, 0)
	return steps
}

// Cancel drops the unfired steps of threadID's rollout and returns how many
// were dropped. A call already in flight finishes.
func (s *Scheduler) Cancel(threadID string) int {
	s.mu.Lock()
	n := 0
	if r, ok := s.runs[threadID]; ok {
		n = len(r.steps) - r.next
		delete(s.runs, threadID)
	}
	s.mu.Unlock()
	s.table.CancelWhere(func(k timers.Key) bool {
		return k.ThreadID == threadID
	})
	if n > 0 {
		s.log.Info().
			Str("thread_id", threadID).
			Int("cancelled", n).
			Msg("rollout.Scheduler.Cancel superseded pending steps")
	}
	return n
}

// Pending lists steps that have not fired yet, ordered by fire time.
func (s *Scheduler) Pending() []Step {
	s.mu.Lock()
	out := make([]Step, 0)
	for _, r := range s.runs {
		out = append(out, r.steps[r.next:]...)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		if out[i].ThreadID != out[j].ThreadID {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Stop cancels all pending steps. Calls already in flight finish.
func (s *Scheduler) Stop() {
	s.table.Stop()
	s.mu.Lock()
	s.runs = make(map[string]*run)
	s.mu.Unlock()
	s.cancel()
}

// arm schedules step i of r. Each run has its own key so a late arm from a
// superseded run cannot replace the current one.
func (s *Scheduler) arm(threadID string, r *run, i int) {
	key := timers.Key{Scope: scope + ":" + strconv.FormatUint(r.gen, 10), ThreadID: threadID}
	delay := r.steps[i].FireAt.Sub(s.clock.Now())
	s.table.Schedule(key, delay, func() { s.fire(threadID, r, i) })
}

func (s *Scheduler) fire(threadID string, r *run, i int) {
	s.mu.Lock()
	if s.runs[threadID] != r || r.next != i {
		s.mu.Unlock()
		return
	}
	r.next = i + 1
	s.mu.Unlock()

	s.apply(r.steps[i])

	s.mu.Lock()
	if s.runs[threadID] != r {
		s.mu.Unlock()
		return
	}
	if r.next >= len(r.steps) {
		delete(s.runs, threadID)
		s.mu.Unlock()
		return
	}
	next := r.next
	s.mu.Unlock()
	s.arm(threadID, r, next)
}

func (s *Scheduler) apply(step Step) {
	err := s.client.SetNickname(s.ctx, step.ThreadID, step.ParticipantID, step.Nickname)
	observability.RecordRolloutStep(err == nil)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("thread_id", step.ThreadID).
			Str("participant_id", step.ParticipantID).
			Int("index", step.Index).
			Msg("rollout.Scheduler.apply nickname not set")
		return
	}
	s.log.Debug().
		Str("thread_id", step.ThreadID).
		Str("participant_id", step.ParticipantID).
		Int("index", step.Index).
		Msg("rollout.Scheduler.apply nickname set")
}
