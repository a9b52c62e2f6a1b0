// Package sim provides an in-process instrument node that executes the
// line protocol in an embedded Lua VM. It backs the "sim" transport type and
// the protocol tests.
package sim

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"node-provisioner/internal/transport"
)

// Options configures a simulated node.
type Options struct {
	SerialNumber string
	Model        string
	// ExecTimeout bounds each executed line. Zero means 5s.
	ExecTimeout time.Duration
}

type pendingScript struct {
	name  string
	lines []string
}

// Node is a simulated instrument. It implements transport.Transport; every
// written line is executed synchronously, so replies are pending as soon as
// WriteLine returns.
type Node struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	L           *lua.LState
	userScripts *lua.LTable
	replies     []string
	errs        []string
	received    []string
	loading     *pendingScript
	saved       map[string]string // name -> source, survives Restart
	closed      bool
}

var _ transport.Transport = (*Node)(nil)

// New creates a running simulated node.
func New(opts Options, logger *slog.Logger) *Node {
	if opts.ExecTimeout == 0 {
		opts.ExecTimeout = 5 * time.Second
	}
	n := &Node{
		opts:   opts,
		logger: logger.With("component", "sim", "serial", opts.SerialNumber),
		saved:  make(map[string]string),
	}
	n.boot()
	return n
}

// boot builds a fresh VM and restores saved scripts. Caller holds mu or has
// exclusive access.
func (n *Node) boot() {
	L := lua.NewState()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	n.L = L
	n.loading = nil
	n.replies = nil
	registerBuiltins(L, n)

	names := make([]string, 0, len(n.saved))
	for name := range n.saved {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := n.defineScript(name, n.saved[name]); err != nil {
			n.logger.Warn("restore saved script", "name", name, "err", err)
			continue
		}
		n.markSaved(name)
	}
}

// Restart simulates a power cycle: only saved scripts survive.
func (n *Node) Restart() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.L != nil {
		n.L.Close()
	}
	n.boot()
	n.logger.Info("node restarted", "saved", len(n.saved))
}

// WriteLine executes one protocol line.
func (n *Node) WriteLine(ctx context.Context, cmd string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return &transport.Error{Op: "write", Err: transport.ErrClosed}
	}
	n.received = append(n.received, cmd)

	if n.loading != nil {
		rest, ok := strings.CutPrefix(cmd, transport.EndScript)
		if !ok {
			n.loading.lines = append(n.loading.lines, cmd)
			return nil
		}
		p := n.loading
		n.loading = nil
		if err := n.defineScript(p.name, strings.Join(p.lines, "\n")); err != nil {
			n.pushError(err.Error())
		}
		n.exec(ctx, rest)
		return nil
	}

	if rest, ok := strings.CutPrefix(cmd, transport.BeginScript+" "); ok {
		n.loading = &pendingScript{name: strings.TrimSpace(rest)}
		return nil
	}
	n.exec(ctx, cmd)
	return nil
}

func (n *Node) exec(ctx context.Context, chunk string) {
	if strings.TrimSpace(chunk) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.ExecTimeout)
	defer cancel()
	n.L.SetContext(ctx)
	defer n.L.RemoveContext()

	if err := n.L.DoString(chunk); err != nil {
		n.pushError(err.Error())
	}
}

func (n *Node) pushError(msg string) {
	n.logger.Debug("node error", "err", msg)
	n.errs = append(n.errs, msg)
}

// ReadLine pops the oldest reply.
func (n *Node) ReadLine(_ context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", &transport.Error{Op: "read", Err: transport.ErrClosed}
	}
	if len(n.replies) == 0 {
		return "", transport.ErrNoMessage
	}
	line := n.replies[0]
	n.replies = n.replies[1:]
	return line, nil
}

// MessagePending reports whether a reply is queued.
func (n *Node) MessagePending() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, &transport.Error{Op: "read", Err: transport.ErrClosed}
	}
	return len(n.replies) > 0, nil
}

// Exists reports whether a global of that name is defined.
func (n *Node) Exists(_ context.Context, name string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, &transport.Error{Op: "exists", Err: transport.ErrClosed}
	}
	return n.L.GetGlobal(name) != lua.LNil, nil
}

// DrainErrors returns and clears queued execution errors.
func (n *Node) DrainErrors(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.errs) == 0 {
		return nil
	}
	err := &transport.NodeError{Messages: n.errs}
	n.errs = nil
	return err
}

// Close shuts the VM down.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		n.L.Close()
	}
	return nil
}

// Received returns a copy of every line written to the node.
func (n *Node) Received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.received...)
}

// IsSaved reports whether name is stored in non-volatile memory.
func (n *Node) IsSaved(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.saved[name]
	return ok
}
