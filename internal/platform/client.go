// Package platform is the boundary to the chat platform: the normalized
// events it emits and the remote calls threadlock makes against it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRemoteMutation = errors.New("platform: remote mutation failed")
	ErrRosterLookup   = errors.New("platform: roster lookup failed")
	ErrSendMessage    = errors.New("platform: send message failed")
)

// DefaultCallTimeout bounds every remote call unless configured otherwise.
const DefaultCallTimeout = 10 * time.Second

// Client is the set of remote primitives threadlock invokes.
type Client interface {
	SetTitle(ctx context.Context, threadID, title string) error
	SetNickname(ctx context.Context, threadID, participantID, nickname string) error
	GetRoster(ctx context.Context, threadID string) ([]string, error)
	SendMessage(ctx context.Context, threadID, text string) error
}

// RemoteError records which remote operation failed for which target.
type RemoteError struct {
	Op            string
	ThreadID      string
	ParticipantID string
	Kind          error
	Err           error
}

func (e *RemoteError) Error() string {
	target := e.ThreadID
	if e.ParticipantID != "" {
		target += "/" + e.ParticipantID
	}
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, target, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// WithTimeout bounds every call of c by d and tags failures with the
// matching sentinel. Expiry surfaces as context.DeadlineExceeded.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return timeoutClient{next: c, timeout: d}
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

func (c timeoutClient) SetTitle(ctx context.Context, threadID, title string) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.next.SetTitle(ctx, threadID, title)
	})
	if err != nil {
		return remoteErr(err, "set_title", threadID, "", ErrRemoteMutation)
	}
	return nil
}

func (c timeoutClient) SetNickname(ctx context.Context, threadID, participantID, nickname string) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.next.SetNickname(ctx, threadID, participantID, nickname)
	})
	if err != nil {
		return remoteErr(err, "set_nickname", threadID, participantID, ErrRemoteMutation)
	}
	return nil
}

func (c timeoutClient) GetRoster(ctx context.Context, threadID string) ([]string, error) {
	var roster []string
	err := c.call(ctx, func(ctx context.Context) error {
		out, err := c.next.GetRoster(ctx, threadID)
		roster = out
		return err
	})
	if err != nil {
		return nil, remoteErr(err, "get_roster", threadID, "", ErrRosterLookup)
	}
	return roster, nil
}

func (c timeoutClient) SendMessage(ctx context.Context, threadID, text string) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.next.SendMessage(ctx, threadID, text)
	})
	if err != nil {
		return remoteErr(err, "send_message", threadID, "", ErrSendMessage)
	}
	return nil
}

// call returns when fn does or when the deadline passes, whichever is
// first. A call still running at the deadline is left to finish on its own.
func (c timeoutClient) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteErr(err error, op, threadID, participantID string, kind error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, ThreadID: threadID, ParticipantID: participantID, Kind: kind, Err: err}
}
