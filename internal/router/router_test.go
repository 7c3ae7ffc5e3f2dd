package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/danmuck/threadlock/internal/feed"
	"github.com/danmuck/threadlock/internal/gate"
	"github.com/danmuck/threadlock/internal/locks"
	"github.com/danmuck/threadlock/internal/platform"
	"github.com/danmuck/threadlock/internal/reconcile"
	"github.com/danmuck/threadlock/internal/rollout"
	"github.com/danmuck/threadlock/internal/testutil/fakeclock"
	"github.com/danmuck/threadlock/internal/testutil/fakeplatform"
	"github.com/danmuck/threadlock/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stack struct {
	router   *Router
	gate     *gate.Gate
	registry *locks.Registry
	client   *fakeplatform.Client
}

func newStack(t *testing.T) stack {
	t.Helper()
	clock := fakeclock.New(epoch)
	fake := fakeplatform.New(clock)
	return newStackWithClient(t, clock, fake, fake)
}

func newStackWithClient(t *testing.T, clock *fakeclock.Clock, fake *fakeplatform.Client, client platform.Client) stack {
	t.Helper()
	registry, _ := locks.Open(nil)
	scheduler := rollout.NewScheduler(rollout.DefaultConfig(), client, clock, log.Logger)
	engine := reconcile.NewEngine(reconcile.DefaultConfig(), registry, client, clock, log.Logger)
	t.Cleanup(scheduler.Stop)
	t.Cleanup(engine.Stop)
	g, err := gate.New(gate.Config{AdminID: "100", Prefix: "!"}, registry, client, scheduler, log.Logger)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	t.Cleanup(g.Wait)
	return stack{router: New(g, engine, log.Logger), gate: g, registry: registry, client: fake}
}

func TestDispatchLockThenRevertDrift(t *testing.T) {
	testlog.Start(t)

	st := newStack(t)
	r, client := st.router, st.client
	ctx := context.Background()

	err := r.Dispatch(ctx, platform.NewMessage(platform.MessageEvent{ThreadID: "T", SenderID: "100", Body: "!grouplockname on Team Sync"}))
	if err != nil {
		t.Fatalf("dispatch message: %v", err)
	}
	if got, _ := st.registry.Get(locks.KindGroupName, "T"); got != "Team Sync" {
		t.Fatalf("registry value = %q", got)
	}
	st.gate.Wait()

	err = r.Dispatch(ctx, platform.NewChange(platform.AttributeChange{ThreadID: "T", LogType: platform.LogThreadName, NewValue: "Random Name", AuthorID: "200"}))
	if err != nil {
		t.Fatalf("dispatch change: %v", err)
	}

	calls := client.Calls(fakeplatform.OpSetTitle)
	if len(calls) != 2 {
		t.Fatalf("expected lock apply plus one revert, got %+v", calls)
	}
	if calls[1].Value != "Team Sync" || !calls[1].At.Equal(epoch) {
		t.Fatalf("unexpected revert call: %+v", calls[1])
	}
}

func TestDispatchNonAdminPing(t *testing.T) {
	testlog.Start(t)

	st := newStack(t)
	if err := st.router.Dispatch(context.Background(), platform.NewMessage(platform.MessageEvent{ThreadID: "T", SenderID: "200", Body: "!ping"})); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	st.gate.Wait()
	msgs := st.client.Messages("T")
	if len(msgs) != 1 || msgs[0] != gate.ReplyUnauthorized {
		t.Fatalf("expected one rejection reply, got %q", msgs)
	}
}

func TestDispatchRejectsInvalidEvent(t *testing.T) {
	testlog.Start(t)

	st := newStack(t)
	err := st.router.Dispatch(context.Background(), platform.Event{Type: platform.EventMessage})
	if !errors.Is(err, platform.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if calls := st.client.Calls(); len(calls) != 0 {
		t.Fatalf("expected no calls, got %+v", calls)
	}
}

// blockingClient holds SetTitle until release is closed.
type blockingClient struct {
	*fakeplatform.Client
	started chan struct{}
	release chan struct{}
}

func (c *blockingClient) SetTitle(ctx context.Context, threadID, title string) error {
	close(c.started)
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Client.SetTitle(ctx, threadID, title)
}

func TestDispatchDoesNotWaitOnRemoteCalls(t *testing.T) {
	testlog.Start(t)

	clock := fakeclock.New(epoch)
	fake := fakeplatform.New(clock)
	slow := &blockingClient{Client: fake, started: make(chan struct{}), release: make(chan struct{})}
	st := newStackWithClient(t, clock, fake, platform.WithTimeout(slow, 10*time.Second))
	ctx := context.Background()

	returned := make(chan error, 1)
	go func() {
		returned <- st.router.Dispatch(ctx, platform.NewMessage(platform.MessageEvent{ThreadID: "T", SenderID: "100", Body: "!grouplockname on Team Sync"}))
	}()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("dispatch message: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch waited on the remote call")
	}
	if got, _ := st.registry.Get(locks.KindGroupName, "T"); got != "Team Sync" {
		t.Fatalf("lock must be written before dispatch returns, got %q", got)
	}

	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("title apply never started")
	}

	// Drift on another thread is reverted while the apply above is held.
	if err := st.registry.Set(locks.KindNickname, "U", "Bot"); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := st.router.Dispatch(ctx, platform.NewChange(platform.AttributeChange{ThreadID: "U", LogType: platform.LogThreadNickname, ParticipantID: "A", NewValue: "Hacker", AuthorID: "200"}))
	if err != nil {
		t.Fatalf("dispatch change: %v", err)
	}
	clock.Advance(reconcile.DefaultNicknameSettle)
	if calls := fake.Calls(fakeplatform.OpSetNickname); len(calls) != 1 || calls[0].Value != "Bot" {
		t.Fatalf("expected nickname revert during the pending apply, got %+v", calls)
	}
	if msgs := fake.Messages("T"); len(msgs) != 0 {
		t.Fatalf("reply sent before the apply finished: %q", msgs)
	}

	close(slow.release)
	st.gate.Wait()
	if msgs := fake.Messages("T"); len(msgs) != 1 || msgs[0] != "✅ Group name locked as: Team Sync" {
		t.Fatalf("unexpected replies: %q", msgs)
	}
}

type recorder struct {
	mu    sync.Mutex
	order []string
	done  chan struct{}
	want  int
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, v)
	if len(r.order) == r.want {
		close(r.done)
	}
}

func (r *recorder) Submit(_ context.Context, msg platform.MessageEvent) <-chan gate.Result {
	r.add(msg.Body)
	out := make(chan gate.Result, 1)
	out <- gate.Result{}
	return out
}

func (r *recorder) HandleChange(change platform.AttributeChange) reconcile.Decision {
	r.add(change.NewValue)
	return reconcile.Decision{}
}

type onceSource struct {
	mu    sync.Mutex
	msgs  []*message.Message
	calls int
}

func (s *onceSource) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if !first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ch := make(chan *message.Message, len(s.msgs))
	for _, m := range s.msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func mustEncode(t *testing.T, evt platform.Event) *message.Message {
	t.Helper()
	msg, err := feed.Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return msg
}

func TestRunDispatchesInOrderAndAcks(t *testing.T) {
	testlog.Start(t)

	rec := &recorder{done: make(chan struct{}), want: 3}
	bad := message.NewMessage("bad", []byte("not json"))
	src := &onceSource{msgs: []*message.Message{
		mustEncode(t, platform.NewMessage(platform.MessageEvent{ThreadID: "T", SenderID: "1", Body: "one"})),
		bad,
		mustEncode(t, platform.NewChange(platform.AttributeChange{ThreadID: "T", LogType: platform.LogThreadName, NewValue: "two"})),
		mustEncode(t, platform.NewMessage(platform.MessageEvent{ThreadID: "T", SenderID: "1", Body: "three"})),
	}}

	r := New(rec, rec, log.Logger).WithBackoff(feed.BackoffConfig{InitialDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, src) }()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}

	want := []string{"one", "two", "three"}
	for i, v := range want {
		if rec.order[i] != v {
			t.Fatalf("dispatch order %v, want %v", rec.order, want)
		}
	}
	for _, msg := range src.msgs {
		select {
		case <-msg.Acked():
		default:
			t.Fatalf("message %s was not acked", msg.UUID)
		}
	}
}

func TestRunRequiresSource(t *testing.T) {
	testlog.Start(t)

	r := New(&recorder{}, &recorder{}, log.Logger)
	if err := r.Run(context.Background(), nil); !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", err)
	}
}
