// Package fakeplatform records remote platform calls for tests.
package fakeplatform

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/threadlock/internal/platform"
)

const (
	OpSetTitle    = "set_title"
	OpSetNickname = "set_nickname"
	OpGetRoster   = "get_roster"
	OpSendMessage = "send_message"
)

// Call is one recorded remote invocation.
type Call struct {
	Op            string
	ThreadID      string
	ParticipantID string
	Value         string
	At            time.Time
}

type nower interface {
	Now() time.Time
}

// Client is an in-memory platform.Client.
type Client struct {
	mu      sync.Mutex
	clock   nower
	calls   []Call
	rosters map[string][]string
	fail    map[string]error
	failFn  func(Call) error
}

var _ platform.Client = (*Client)(nil)

func New(clock nower) *Client {
	return &Client{
		clock:   clock,
		rosters: make(map[string][]string),
		fail:    make(map[string]error),
	}
}

// SetRoster fixes the participants GetRoster returns for a thread.
func (c *Client) SetRoster(threadID string, participants ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rosters[threadID] = append([]string(nil), participants...)
}

// FailOp makes every call of op return err. A nil err clears it.
func (c *Client) FailOp(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

// FailWhen installs a per-call failure hook.
func (c *Client) FailWhen(fn func(Call) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFn = fn
}

func (c *Client) SetTitle(_ context.Context, threadID, title string) error {
	return c.record(Call{Op: OpSetTitle, ThreadID: threadID, Value: title})
}

func (c *Client) SetNickname(_ context.Context, threadID, participantID, nickname string) error {
	return c.record(Call{Op: OpSetNickname, ThreadID: threadID, ParticipantID: participantID, Value: nickname})
}

func (c *Client) GetRoster(_ context.Context, threadID string) ([]string, error) {
	if err := c.record(Call{Op: OpGetRoster, ThreadID: threadID}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rosters[threadID]...), nil
}

func (c *Client) SendMessage(_ context.Context, threadID, text string) error {
	return c.record(Call{Op: OpSendMessage, ThreadID: threadID, Value: text})
}

// Calls returns every recorded call, optionally filtered by op.
func (c *Client) Calls(ops ...string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, 0, len(c.calls))
	for _, call := range c.calls {
		if len(ops) == 0 || contains(ops, call.Op) {
			out = append(out, call)
		}
	}
	return out
}

// Messages returns the texts sent to a thread in order.
func (c *Client) Messages(threadID string) []string {
	var out []string
	for _, call := range c.Calls(OpSendMessage) {
		if call.ThreadID == threadID {
			out = append(out, call.Value)
		}
	}
	return out
}

func (c *Client) record(call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock != nil {
		call.At = c.clock.Now()
	} else {
		call.At = time.Now()
	}
	c.calls = append(c.calls, call)
	if err, ok := c.fail[call.Op]; ok {
		return err
	}
	if c.failFn != nil {
		return c.failFn(call)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
