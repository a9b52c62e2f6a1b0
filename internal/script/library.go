package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"

	"node-provisioner/internal/codec"
)

// Script roles understood by the firmware resolver.
const (
	RoleSupport  = "support"
	RoleAutoexec = "autoexec"
)

const fileExt = ".lua"

// ErrNotFound is returned when a script is not in the library.
var ErrNotFound = errors.New("script not found")

// Meta is the JSON header stored on the first line of a script file.
type Meta struct {
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	Version    string `json:"version,omitempty"`     // released version
	Latest     string `json:"latest,omitempty"`      // latest published version
	Role       string `json:"role,omitempty"`        // "support", "autoexec" or empty
	VersionVar string `json:"version_var,omitempty"` // global the script sets when activated
}

// Script is one script of the local library.
type Script struct {
	Meta     Meta                 `json:"meta"`
	Source   string               `json:"source"`   // decoded Lua source, without header
	Encoding codec.TransformFlags `json:"encoding"` // transforms applied to the body on disk
	FilePath string               `json:"-"`
}

// Name returns the node-side name of the script.
func (s *Script) Name() string { return s.Meta.Name }

// Transcoder encodes and decodes stored script bodies.
type Transcoder interface {
	Compress(source string, format codec.TransformFlags, validate bool) (string, error)
	Decode(source string, validate bool) (string, codec.TransformFlags, error)
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name can be used as a node-side script name.
// Script names become Lua globals on the node, and file names locally.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Library loads and saves scripts from a directory.
type Library struct {
	dir    string
	codec  Transcoder
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewLibrary creates a library rooted at dir, creating the directory if needed.
func NewLibrary(dir string, tc Transcoder, logger *slog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Library{dir: dir, codec: tc, logger: logger.With("component", "library")}, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string { return l.dir }

// List returns all scripts of the library. Malformed files are skipped.
func (l *Library) List() ([]*Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		s, err := l.parseFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			l.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get returns a script by name.
func (l *Library) Get(name string) (*Script, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid script name: %q", name)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	path := filepath.Join(l.dir, name+fileExt)
	s, err := l.parseFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return s, err
}

// Save writes s to disk, encoding the body with s.Encoding.
func (l *Library) Save(s *Script) (*Script, error) {
	if !ValidName(s.Meta.Name) {
		return nil, fmt.Errorf("invalid script name: %q", s.Meta.Name)
	}
	content, err := l.serialize(s)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s.FilePath = filepath.Join(l.dir, s.Meta.Name+fileExt)
	if err := os.WriteFile(s.FilePath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file by name.
func (l *Library) Delete(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid script name: %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(filepath.Join(l.dir, name+fileExt)); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// parseFile reads a script file: an optional "-- {json}" header line
// followed by the (possibly encoded) body.
func (l *Library) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Script{FilePath: path}
	content := string(data)
	first, body, _ := strings.Cut(content, "\n")
	first = strings.TrimRight(first, "\r")
	if strings.HasPrefix(first, "-- {") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	} else {
		body = content
	}
	if s.Meta.Name == "" {
		s.Meta.Name = strings.TrimSuffix(filepath.Base(path), fileExt)
	}
	if s.Meta.Title == "" {
		s.Meta.Title = s.Meta.Name
	}

	if outer := codec.Sniff(body) &^ codec.ByteCode; outer != codec.None {
		if l.codec == nil {
			return nil, fmt.Errorf("%s: encoded body (%v) but no codec configured", s.Meta.Name, outer)
		}
		var flags codec.TransformFlags
		body, flags, err = l.codec.Decode(body, true)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.Meta.Name, err)
		}
		s.Encoding = flags &^ codec.ByteCode
	}
	s.Source = body
	return s, nil
}

func (l *Library) serialize(s *Script) (string, error) {
	var b strings.Builder

	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")

	body := s.Source
	if s.Encoding&^codec.ByteCode != codec.None {
		if l.codec == nil {
			return "", fmt.Errorf("%s: encoding %v requested but no codec configured", s.Meta.Name, s.Encoding)
		}
		body, err = l.codec.Compress(body, s.Encoding, true)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", s.Meta.Name, err)
		}
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// CheckSyntax parses source as a Lua chunk without executing it.
func CheckSyntax(name, source string) error {
	if _, err := parse.Parse(strings.NewReader(source), name); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
