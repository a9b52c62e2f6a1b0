// Package loader streams a script body to a node inside the begin/end
// envelope and waits for the node to confirm it.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"node-provisioner/internal/script"
	"node-provisioner/internal/transport"
)

var (
	// ErrFileMissing is returned for an absent, empty or comment-only source.
	ErrFileMissing = errors.New("script source missing or empty")
	// ErrTimeout is returned under TimeoutFail when the completion sentinel
	// does not arrive in time.
	ErrTimeout = errors.New("completion sentinel not received")
)

// TraceSuffix is appended to the source path to name the trace file.
const TraceSuffix = ".sent"

// minSourceSize is the size at or below which a source file counts as empty.
const minSourceSize = 2

// TimeoutPolicy selects what a missed completion sentinel means.
type TimeoutPolicy int

const (
	// TimeoutFail returns ErrTimeout.
	TimeoutFail TimeoutPolicy = iota
	// TimeoutWarn logs the miss and reports success.
	TimeoutWarn
)

func (p TimeoutPolicy) String() string {
	switch p {
	case TimeoutFail:
		return "fail"
	case TimeoutWarn:
		return "warn"
	}
	return fmt.Sprintf("TimeoutPolicy(%d)", int(p))
}

// ParseTimeoutPolicy parses "fail" or "warn".
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return TimeoutFail, nil
	case "warn":
		return TimeoutWarn, nil
	}
	return 0, fmt.Errorf("unknown timeout policy %q", s)
}

// Options tunes a transfer.
type Options struct {
	// RetainOutline keeps leading indentation; otherwise lines are trimmed.
	RetainOutline bool
	PollInterval  time.Duration
	Timeout       time.Duration
	// Settle is waited after the handshake completes.
	Settle    time.Duration
	OnTimeout TimeoutPolicy
	// Trace mirrors transmitted lines into <path>.sent for LoadFile.
	Trace bool
}

// DefaultOptions returns the stock transfer settings.
func DefaultOptions() Options {
	return Options{
		PollInterval: 20 * time.Millisecond,
		Timeout:      3000 * time.Millisecond,
		Settle:       100 * time.Millisecond,
		OnTimeout:    TimeoutFail,
	}
}

// Loader pushes scripts over one transport. It is not safe for concurrent use.
type Loader struct {
	t      transport.Transport
	opts   Options
	logger *slog.Logger
}

// New creates a Loader. Zero PollInterval or Timeout take the defaults.
func New(t transport.Transport, opts Options, logger *slog.Logger) *Loader {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Loader{
		t:      t,
		opts:   opts,
		logger: logger.With("component", "loader"),
	}
}

// Options returns the effective settings.
func (l *Loader) Options() Options { return l.opts }

// LoadFile transfers the script at path under name.
func (l *Loader) LoadFile(ctx context.Context, name, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() || fi.Size() <= minSourceSize {
		return fmt.Errorf("%w: %s", ErrFileMissing, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	tracePath := ""
	if l.opts.Trace {
		tracePath = path + TraceSuffix
	}
	return l.load(ctx, name, f, tracePath)
}

// LoadSource transfers the script read from r under name.
func (l *Loader) LoadSource(ctx context.Context, name string, r io.Reader) error {
	return l.load(ctx, name, r, "")
}

func (l *Loader) load(ctx context.Context, name string, r io.Reader, tracePath string) (err error) {
	exists, err := l.t.Exists(ctx, name)
	if err != nil {
		return asTransportError("exists", err)
	}
	if exists {
		l.logger.Info("script already on node, skipping", "name", name)
		return nil
	}

	// The trace file is created with the first transmitted line so a source
	// with nothing to send leaves no file behind.
	var trace *os.File
	defer func() {
		if trace == nil {
			return
		}
		if cerr := trace.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close trace: %w", cerr)
		}
	}()

	send := func(line string) error {
		if tracePath != "" && trace == nil {
			tf, terr := os.Create(tracePath)
			if terr != nil {
				return fmt.Errorf("create trace: %w", terr)
			}
			trace = tf
		}
		if err := l.t.WriteLine(ctx, line); err != nil {
			return asTransportError("write", err)
		}
		if trace == nil {
			return nil
		}
		if _, err := io.WriteString(trace, line+"\n"); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
		return nil
	}

	start := time.Now()
	sent := 0
	var cls script.Classifier
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		kind, payload := cls.Next(script.ExpandTabs(sc.Text()))
		if !kind.Transmittable() {
			continue
		}
		if !l.opts.RetainOutline {
			payload = strings.TrimSpace(payload)
		}
		if sent == 0 {
			if err := send(transport.BeginScript + " " + name); err != nil {
				return err
			}
		}
		if err := send(payload + " "); err != nil {
			return err
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read source %s: %w", name, err)
	}
	if sent == 0 {
		return fmt.Errorf("%w: %s has no executable lines", ErrFileMissing, name)
	}

	if err := send(transport.EndScript + transport.CompletionQuery); err != nil {
		return err
	}

	done, err := l.awaitCompletion(ctx)
	if err != nil {
		return err
	}
	if !done {
		if l.opts.OnTimeout == TimeoutFail {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, name, l.opts.Timeout)
		}
		l.logger.Warn("completion not confirmed", "name", name, "timeout", l.opts.Timeout)
	}

	if err := transport.Sleep(ctx, l.opts.Settle); err != nil {
		return err
	}
	if err := l.t.DrainErrors(ctx); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	l.logger.Info("script loaded", "name", name, "lines", sent, "elapsed", time.Since(start))
	return nil
}

// awaitCompletion polls for a reply starting with the completion sentinel.
// Other replies are discarded.
func (l *Loader) awaitCompletion(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(l.opts.Timeout)
	for time.Now().Before(deadline) {
		if err := transport.Sleep(ctx, l.opts.PollInterval); err != nil {
			return false, err
		}
		pending, err := l.t.MessagePending()
		if err != nil {
			return false, asTransportError("poll", err)
		}
		if !pending {
			continue
		}
		reply, err := transport.ReadLineTrimmed(ctx, l.t)
		if err != nil {
			return false, asTransportError("read", err)
		}
		if strings.HasPrefix(reply, transport.CompletionSentinel) {
			return true, nil
		}
		l.logger.Debug("ignoring reply while awaiting completion", "reply", reply)
	}
	return false, nil
}

func asTransportError(op string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &transport.Error{Op: op, Err: err}
}

// scanLines splits on LF, CRLF or a lone CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// CR: swallow a following LF, or wait for more data to decide.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
