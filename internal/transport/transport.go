// Package transport defines the half-duplex, line-oriented channel to an
// instrument node and its serial, websocket and TCP implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoMessage is returned by ReadLine when no reply is queued.
	ErrNoMessage = errors.New("no message pending")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
	// ErrQueryTimeout is returned when a query reply does not arrive in time.
	ErrQueryTimeout = errors.New("query timeout")
)

// DefaultQueryTimeout bounds scalar queries issued by Exists and DrainErrors.
const DefaultQueryTimeout = 2 * time.Second

// PollInterval is the sleep between message-pending checks.
const PollInterval = 10 * time.Millisecond

// Transport is an exclusively owned line channel to one node. Callers must
// not issue concurrent operations on the same Transport.
type Transport interface {
	// WriteLine sends one command line.
	WriteLine(ctx context.Context, cmd string) error
	// ReadLine pops the oldest reply line, or returns ErrNoMessage.
	ReadLine(ctx context.Context) (string, error)
	// Exists probes whether a named object exists on the node.
	Exists(ctx context.Context, name string) (bool, error)
	// MessagePending reports, without blocking, whether a reply is queued.
	MessagePending() (bool, error)
	// DrainErrors empties the node error queue and returns its entries as
	// a *NodeError, or nil when the queue was empty.
	DrainErrors(ctx context.Context) error
	// Close releases the channel.
	Close() error
}

// Error wraps a failure of the underlying channel.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// NodeError carries the entries drained from a node's error queue.
type NodeError struct {
	Messages []string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node reported %d error(s): %s", len(e.Messages), strings.Join(e.Messages, "; "))
}

// ReadLineTrimmed reads one reply with surrounding whitespace removed.
func ReadLineTrimmed(ctx context.Context, t Transport) (string, error) {
	line, err := t.ReadLine(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Discard reads and drops every queued reply line and returns them.
func Discard(ctx context.Context, t Transport) ([]string, error) {
	var dropped []string
	for {
		pending, err := t.MessagePending()
		if err != nil {
			return dropped, err
		}
		if !pending {
			return dropped, nil
		}
		line, err := t.ReadLine(ctx)
		if errors.Is(err, ErrNoMessage) {
			return dropped, nil
		}
		if err != nil {
			return dropped, err
		}
		dropped = append(dropped, strings.TrimSpace(line))
	}
}

// Query prints expr on the node and returns the trimmed reply. Output left
// queued by earlier commands is dropped first so it cannot be taken for the
// answer.
func Query(ctx context.Context, t Transport, expr string, timeout time.Duration) (string, error) {
	if _, err := Discard(ctx, t); err != nil {
		return "", err
	}
	if err := t.WriteLine(ctx, "print("+expr+")"); err != nil {
		return "", err
	}
	return Await(ctx, t, timeout)
}

// Await polls MessagePending until a reply arrives or timeout elapses, then
// reads it.
func Await(ctx context.Context, t Transport, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		pending, err := t.MessagePending()
		if err != nil {
			return "", err
		}
		if pending {
			return ReadLineTrimmed(ctx, t)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w after %s", ErrQueryTimeout, timeout)
		}
		if err := Sleep(ctx, PollInterval); err != nil {
			return "", err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
