// Package instrument manages one node session: enumerating the library
// scripts on the node, loading, running, saving and deleting them, and
// resolving the firmware verdict.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"node-provisioner/internal/firmware"
	"node-provisioner/internal/loader"
	"node-provisioner/internal/script"
	"node-provisioner/internal/transport"
)

// Node queries.
const (
	serialQuery    = "localnode.serialno"
	certifiedFunc  = "certified"
	savedTableExpr = "script.user.scripts."
)

// Options configures a Session.
type Options struct {
	Loader       loader.Options
	QueryTimeout time.Duration
}

// Session serializes every operation on one node. All exported methods
// take the session lock.
type Session struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	t      transport.Transport
	loader *loader.Loader
	closed bool
}

// NewSession takes ownership of t.
func NewSession(name string, t transport.Transport, opts Options, logger *slog.Logger) *Session {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = transport.DefaultQueryTimeout
	}
	logger = logger.With("component", "instrument", "node", name)
	return &Session{
		name:   name,
		opts:   opts,
		logger: logger,
		t:      t,
		loader: loader.New(t, opts.Loader, logger),
	}
}

// Name returns the configured node name.
func (s *Session) Name() string { return s.name }

// Connected reports whether the session is still open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.t.Close()
}

// SerialNumber returns the node serial number, or "" if it has none.
func (s *Session) SerialNumber(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serialNumber(ctx)
}

// Certified runs the certification check defined by the support script.
func (s *Session) Certified(ctx context.Context) (firmware.TriState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certified(ctx)
}

// RunScript executes a loaded script.
func (s *Session) RunScript(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runScript(ctx, name)
}

// Enumerate probes the node for every library script.
func (s *Session) Enumerate(ctx context.Context, scripts []*script.Script) (firmware.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enumerate(ctx, scripts)
}

// Load transfers a library script. Already loaded scripts are skipped.
func (s *Session) Load(ctx context.Context, sc *script.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, sc)
}

// LoadFile transfers the script at path under name.
func (s *Session) LoadFile(ctx context.Context, name, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.loader.LoadFile(ctx, name, path)
}

// Save stores a loaded script in non-volatile memory.
func (s *Session) Save(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "save", name+".save()")
}

// Delete removes a script from the node.
func (s *Session) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, "delete", "script.delete("+strconv.Quote(name)+")")
}

// SaveAll saves every loaded, unsaved script and returns their names.
func (s *Session) SaveAll(ctx context.Context, scripts firmware.Collection) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var saved []string
	for _, info := range scripts {
		if !info.Loaded() || info.Saved() {
			continue
		}
		if err := s.exec(ctx, "save", info.Name+".save()"); err != nil {
			return saved, err
		}
		saved = append(saved, info.Name)
	}
	return saved, nil
}

// DeleteAll removes every loaded script and returns their names.
func (s *Session) DeleteAll(ctx context.Context, scripts firmware.Collection) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	for _, info := range scripts {
		if !info.Loaded() {
			continue
		}
		if err := s.exec(ctx, "delete", "script.delete("+strconv.Quote(info.Name)+")"); err != nil {
			return deleted, err
		}
		deleted = append(deleted, info.Name)
	}
	return deleted, nil
}

// Resolve enumerates scripts and computes the firmware verdict.
func (s *Session) Resolve(ctx context.Context, reg firmware.Registrar, scripts []*script.Script) (*firmware.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	coll, err := s.enumerate(ctx, scripts)
	if err != nil {
		return nil, err
	}
	v := unlocked{s}
	r, err := firmware.NewResolver(v, reg, v, v, s.logger)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, coll)
}

// ProvisionResult summarizes a Provision call.
type ProvisionResult struct {
	Loaded []string
	Ran    string
	Saved  []string
	After  firmware.Collection
}

// Provision loads every library script missing from the node, support
// script first and autoexec last, runs the autoexec and optionally saves
// what was loaded.
func (s *Session) Provision(ctx context.Context, scripts []*script.Script, save bool) (*ProvisionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	before, err := s.enumerate(ctx, scripts)
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]bool, len(before))
	for _, info := range before {
		loaded[info.Name] = info.Loaded()
	}

	res := &ProvisionResult{}
	for _, sc := range provisionOrder(scripts) {
		if loaded[sc.Name()] {
			continue
		}
		if err := s.load(ctx, sc); err != nil {
			return res, err
		}
		res.Loaded = append(res.Loaded, sc.Name())
	}

	for _, sc := range scripts {
		if sc.Meta.Role == script.RoleAutoexec {
			if err := s.runScript(ctx, sc.Name()); err != nil {
				return res, err
			}
			res.Ran = sc.Name()
			break
		}
	}

	if res.After, err = s.enumerate(ctx, scripts); err != nil {
		return res, err
	}
	if save {
		for _, info := range res.After {
			if info.Loaded() && !info.Saved() {
				if err := s.exec(ctx, "save", info.Name+".save()"); err != nil {
					return res, err
				}
				res.Saved = append(res.Saved, info.Name)
			}
		}
		if len(res.Saved) > 0 {
			if res.After, err = s.enumerate(ctx, scripts); err != nil {
				return res, err
			}
		}
	}
	s.logger.Info("provisioned", "loaded", len(res.Loaded), "ran", res.Ran, "saved", len(res.Saved))
	return res, nil
}

func provisionOrder(scripts []*script.Script) []*script.Script {
	rank := func(sc *script.Script) int {
		switch sc.Meta.Role {
		case script.RoleSupport:
			return 0
		case script.RoleAutoexec:
			return 2
		}
		return 1
	}
	out := make([]*script.Script, 0, len(scripts))
	for r := 0; r <= 2; r++ {
		for _, sc := range scripts {
			if rank(sc) == r {
				out = append(out, sc)
			}
		}
	}
	return out
}

func (s *Session) check() error {
	if s.closed {
		return firmware.ErrNotConnected
	}
	return nil
}

func (s *Session) query(ctx context.Context, expr string) (string, error) {
	reply, err := transport.Query(ctx, s.t, expr, s.opts.QueryTimeout)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", expr, err)
	}
	return reply, nil
}

// exec runs one command and surfaces node errors it raised.
func (s *Session) exec(ctx context.Context, op, cmd string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.t.WriteLine(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	out, err := transport.Discard(ctx, s.t)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(out) > 0 {
		s.logger.Debug("discarded output", "op", op, "lines", out)
	}
	if err := s.t.DrainErrors(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("executed", "op", op, "cmd", cmd)
	return nil
}

func (s *Session) serialNumber(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	reply, err := s.query(ctx, serialQuery)
	if err != nil {
		return "", err
	}
	if reply == "nil" {
		return "", nil
	}
	return reply, nil
}

func (s *Session) certified(ctx context.Context) (firmware.TriState, error) {
	if err := s.check(); err != nil {
		return firmware.Unknown, err
	}
	ok, err := s.t.Exists(ctx, certifiedFunc)
	if err != nil {
		return firmware.Unknown, err
	}
	if !ok {
		return firmware.Unknown, nil
	}
	reply, err := s.query(ctx, certifiedFunc+"()")
	if err != nil {
		return firmware.Unknown, err
	}
	return firmware.ParseTriState(reply), nil
}

func (s *Session) runScript(ctx context.Context, name string) error {
	return s.exec(ctx, "run "+name, name+".run()")
}

func (s *Session) load(ctx context.Context, sc *script.Script) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.loader.LoadSource(ctx, sc.Name(), strings.NewReader(sc.Source)); err != nil {
		return fmt.Errorf("load %s: %w", sc.Name(), err)
	}
	return nil
}

func (s *Session) enumerate(ctx context.Context, scripts []*script.Script) (firmware.Collection, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	coll := make(firmware.Collection, 0, len(scripts))
	for _, sc := range scripts {
		info := firmware.ScriptInfo{
			Name:            sc.Name(),
			Title:           sc.Meta.Title,
			ReleasedVersion: sc.Meta.Version,
			LatestVersion:   sc.Meta.Latest,
		}
		switch sc.Meta.Role {
		case script.RoleSupport:
			info.Role = firmware.IsSupport
		case script.RoleAutoexec:
			info.Role = firmware.IsAutoexec
		}

		ok, err := s.t.Exists(ctx, sc.Name())
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", sc.Name(), err)
		}
		if ok {
			info.Status |= firmware.Loaded
			saved, err := s.query(ctx, savedTableExpr+sc.Name()+" ~= nil")
			if err != nil {
				return nil, err
			}
			if saved == "true" {
				info.Status |= firmware.Saved
			}
			if v := sc.Meta.VersionVar; v != "" {
				installed, err := s.query(ctx, v)
				if err != nil {
					return nil, err
				}
				if installed != "nil" && installed != "" {
					info.Status |= firmware.Activated
					info.InstalledVersion = installed
				}
			}
		}
		s.logger.Debug("enumerated", "script", info.Name, "status", info.Status)
		coll = append(coll, info)
	}
	if err := coll.Validate(); err != nil {
		return nil, err
	}
	return coll, nil
}

// unlocked exposes the resolver collaborators while the session lock is
// already held by Resolve.
type unlocked struct{ s *Session }

func (u unlocked) Connected() bool { return !u.s.closed }

func (u unlocked) SerialNumber(ctx context.Context) (string, error) { return u.s.serialNumber(ctx) }

func (u unlocked) Certified(ctx context.Context) (firmware.TriState, error) {
	return u.s.certified(ctx)
}

func (u unlocked) RunScript(ctx context.Context, name string) error { return u.s.runScript(ctx, name) }

// IsNodeError reports whether err carries entries from the node error queue.
func IsNodeError(err error) bool {
	var ne *transport.NodeError
	return errors.As(err, &ne)
}
