// Package firmware models the scripts installed on a node and resolves them,
// together with registration and certification, into a firmware verdict.
package firmware

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	// ErrNotConnected is returned when resolving against a disconnected node.
	ErrNotConnected = fmt.Errorf("%w: node not connected", ErrInvalidState)
)

// TriState is a boolean that may be unknown. The zero value is Unknown.
type TriState int8

const (
	Unknown TriState = iota
	True
	False
)

// TriStateOf converts a definite boolean.
func TriStateOf(b bool) TriState {
	if b {
		return True
	}
	return False
}

func (t TriState) String() string {
	switch t {
	case True:
		return "True"
	case False:
		return "False"
	}
	return "Unknown"
}

// ParseTriState is the inverse of String. Anything unrecognized is Unknown.
func ParseTriState(s string) TriState {
	switch strings.ToLower(s) {
	case "true":
		return True
	case "false":
		return False
	}
	return Unknown
}

// ScriptStatus flags describe a script's presence on the node.
type ScriptStatus uint8

const (
	Loaded ScriptStatus = 1 << iota
	Activated
	Saved
)

func (s ScriptStatus) Has(f ScriptStatus) bool { return s&f == f }

func (s ScriptStatus) String() string {
	var parts []string
	for _, f := range []struct {
		flag ScriptStatus
		name string
	}{{Loaded, "loaded"}, {Activated, "activated"}, {Saved, "saved"}} {
		if s.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "absent"
	}
	return strings.Join(parts, "|")
}

// ScriptRole flags mark the scripts the resolver looks for.
type ScriptRole uint8

const (
	IsSupport ScriptRole = 1 << iota
	IsAutoexec
)

func (r ScriptRole) Has(f ScriptRole) bool { return r&f == f }

// ScriptInfo is one enumerated script.
type ScriptInfo struct {
	Name             string
	Title            string
	Status           ScriptStatus
	Role             ScriptRole
	InstalledVersion string
	ReleasedVersion  string
	LatestVersion    string
}

func (s ScriptInfo) Loaded() bool    { return s.Status.Has(Loaded) }
func (s ScriptInfo) Activated() bool { return s.Status.Has(Activated) }
func (s ScriptInfo) Saved() bool     { return s.Status.Has(Saved) }

// Collection is an ordered snapshot of a node's scripts.
type Collection []ScriptInfo

// MustLoad reports whether some script is not loaded.
func (c Collection) MustLoad() bool {
	for _, s := range c {
		if !s.Loaded() {
			return true
		}
	}
	return false
}

// MayDelete reports whether some script is loaded.
func (c Collection) MayDelete() bool {
	for _, s := range c {
		if s.Loaded() {
			return true
		}
	}
	return false
}

// MustSave reports whether some loaded script is not saved.
func (c Collection) MustSave() bool {
	for _, s := range c {
		if s.Loaded() && !s.Saved() {
			return true
		}
	}
	return false
}

// Support returns the support script, if any.
func (c Collection) Support() (ScriptInfo, bool) { return c.withRole(IsSupport) }

// Autoexec returns the autoexec script, if any.
func (c Collection) Autoexec() (ScriptInfo, bool) { return c.withRole(IsAutoexec) }

func (c Collection) withRole(r ScriptRole) (ScriptInfo, bool) {
	for _, s := range c {
		if s.Role.Has(r) {
			return s, true
		}
	}
	return ScriptInfo{}, false
}

// SavedNames lists scripts stored in non-volatile memory, in order.
func (c Collection) SavedNames() []string {
	var names []string
	for _, s := range c {
		if s.Saved() {
			names = append(names, s.Name)
		}
	}
	return names
}

// Validate checks names are unique and that at most one script carries each
// role.
func (c Collection) Validate() error {
	seen := make(map[string]bool, len(c))
	var support, autoexec int
	for _, s := range c {
		if s.Name == "" {
			return fmt.Errorf("%w: script with empty name", ErrInvalidArgument)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate script %q", ErrInvalidArgument, s.Name)
		}
		seen[s.Name] = true
		if s.Role.Has(IsSupport) {
			support++
		}
		if s.Role.Has(IsAutoexec) {
			autoexec++
		}
	}
	if support > 1 {
		return fmt.Errorf("%w: %d support scripts, want at most one", ErrInvalidArgument, support)
	}
	if autoexec > 1 {
		return fmt.Errorf("%w: %d autoexec scripts, want at most one", ErrInvalidArgument, autoexec)
	}
	return nil
}
