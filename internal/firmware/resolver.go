package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Status messages.
const (
	MsgSerialEmpty  = "Instrument serial number is empty"
	MsgRegister     = "Register this instrument"
	MsgLoadSupport  = "Load firmware"
	MsgLoadAutoexec = "Load Firmware"
	MsgRunAutoexec  = "Run Firmware"
)

// Node is the connection state and identity of an instrument.
type Node interface {
	Connected() bool
	// SerialNumber returns "" when the node has none.
	SerialNumber(ctx context.Context) (string, error)
}

// Registrar looks up whether a serial number is registered. details is an
// optional human readable note.
type Registrar interface {
	Registered(ctx context.Context, serial string) (state TriState, details string, err error)
}

// Certifier reports the node's certification. It is only meaningful after
// the support script has run.
type Certifier interface {
	Certified(ctx context.Context) (TriState, error)
}

// ScriptRunner executes a loaded script on the node.
type ScriptRunner interface {
	RunScript(ctx context.Context, name string) error
}

// Resolver computes firmware verdicts.
type Resolver struct {
	node   Node
	reg    Registrar
	cert   Certifier
	runner ScriptRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver wires the collaborators. All are required.
func NewResolver(node Node, reg Registrar, cert Certifier, runner ScriptRunner, logger *slog.Logger) (*Resolver, error) {
	switch {
	case node == nil:
		return nil, fmt.Errorf("%w: nil node", ErrInvalidArgument)
	case reg == nil:
		return nil, fmt.Errorf("%w: nil registrar", ErrInvalidArgument)
	case cert == nil:
		return nil, fmt.Errorf("%w: nil certifier", ErrInvalidArgument)
	case runner == nil:
		return nil, fmt.Errorf("%w: nil script runner", ErrInvalidArgument)
	case logger == nil:
		return nil, fmt.Errorf("%w: nil logger", ErrInvalidArgument)
	}
	return &Resolver{
		node:   node,
		reg:    reg,
		cert:   cert,
		runner: runner,
		logger: logger.With("component", "firmware"),
		now:    time.Now,
	}, nil
}

// Resolve produces the verdict for scripts. Business conditions such as an
// unregistered node or an outdated firmware are reported in the Info; only
// precondition and collaborator failures return an error.
func (r *Resolver) Resolve(ctx context.Context, scripts Collection) (*Info, error) {
	if err := scripts.Validate(); err != nil {
		return nil, err
	}
	if !r.node.Connected() {
		return nil, ErrNotConnected
	}

	info := &Info{verdict: Current, resolvedAt: r.now()}
	detail := func(format string, args ...any) {
		info.details = append(info.details, fmt.Sprintf(format, args...))
	}

	serial, err := r.node.SerialNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read serial number: %w", err)
	}
	info.serial = strings.TrimSpace(serial)
	if info.serial == "" {
		info.message = MsgSerialEmpty
		r.logger.Warn("node has no serial number")
		return info, nil
	}
	log := r.logger.With("serial", info.serial)

	registered, note, err := r.reg.Registered(ctx, info.serial)
	if err != nil {
		return nil, fmt.Errorf("registration lookup %s: %w", info.serial, err)
	}
	info.registered = registered
	if note != "" {
		detail("%s", note)
	}
	if registered == False {
		detail("Instrument %s is not registered", info.serial)
		info.message = MsgRegister
	}

	info.mustLoad = scripts.MustLoad()
	info.mayDelete = scripts.MayDelete()
	info.mustSave = scripts.MustSave()

	support, ok := scripts.Support()
	if !ok || !support.Loaded() {
		info.verdict = LoadFirmware
		info.message = MsgLoadSupport
		detail("Support script is not loaded")
		log.Info("firmware resolved", "verdict", info.verdict)
		return info, nil
	}

	if err := r.runner.RunScript(ctx, support.Name); err != nil {
		return nil, fmt.Errorf("run support script %s: %w", support.Name, err)
	}
	certified, err := r.cert.Certified(ctx)
	if err != nil {
		return nil, fmt.Errorf("certification check: %w", err)
	}
	info.certified = certified
	switch certified {
	case False:
		detail("Instrument %s is not certified", info.serial)
		info.message = MsgRegister
	case Unknown:
		detail("Certification could not be determined")
	}

	auto, ok := scripts.Autoexec()
	switch {
	case !ok:
		info.verdict = LoadFirmware
		info.message = MsgLoadAutoexec
		detail("Firmware script is not available")
	case !auto.Loaded():
		info.verdict = UpdateRequired
		info.message = MsgLoadAutoexec
		detail("Firmware script %s is not loaded", auto.Name)
	case !auto.Activated():
		info.verdict = UpdateRequired
		info.message = MsgRunAutoexec
		detail("Firmware script %s is loaded but not running", auto.Name)
	default:
		info.installed = auto.InstalledVersion
		info.released = auto.ReleasedVersion
		info.latest = auto.LatestVersion
		if info.latest == "" {
			info.latest = info.released
		}
		latest := NormalizeVersion(info.latest)
		switch CompareVersions(info.installed, latest) {
		case 0:
			info.verdict = Current
			detail("Firmware %s is current", info.installed)
		case -1:
			info.verdict = UpdateRequired
			detail("Firmware %s is older than %s", info.installed, latest)
		default:
			info.verdict = NewVersionAvailable
			detail("Firmware %s is newer than %s", info.installed, latest)
		}
	}

	if saved := scripts.SavedNames(); len(saved) > 0 {
		detail("Saved scripts: %s", strings.Join(saved, ", "))
	}
	if info.message == "" {
		info.message = info.verdict.Display()
	}

	log.Info("firmware resolved", "verdict", info.verdict, "installed", info.installed, "latest", info.latest)
	return info, nil
}
