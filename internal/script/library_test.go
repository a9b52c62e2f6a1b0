package script

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"node-provisioner/internal/codec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	c, err := codec.New("lib-test", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "scripts"), c, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

func TestLibrarySaveAndGet(t *testing.T) {
	lib := newTestLibrary(t)

	for _, enc := range []codec.TransformFlags{codec.None, codec.Compressed, codec.Compressed | codec.Encrypted} {
		s := &Script{
			Meta: Meta{
				Name:       "fwMain",
				Title:      "Firmware",
				Version:    "1.2.3",
				Role:       RoleAutoexec,
				VersionVar: "fw_version",
			},
			Source:   "fw_version = \"1.2.3\"\nprint(fw_version)\n",
			Encoding: enc,
		}
		if _, err := lib.Save(s); err != nil {
			t.Fatalf("Save(%v): %v", enc, err)
		}

		got, err := lib.Get("fwMain")
		if err != nil {
			t.Fatalf("Get(%v): %v", enc, err)
		}
		if got.Source != s.Source {
			t.Errorf("source (%v) = %q, want %q", enc, got.Source, s.Source)
		}
		if got.Encoding != enc {
			t.Errorf("encoding = %v, want %v", got.Encoding, enc)
		}
		if got.Meta != s.Meta {
			t.Errorf("meta = %+v, want %+v", got.Meta, s.Meta)
		}
	}
}

func TestLibraryEncodedBodyOnDisk(t *testing.T) {
	lib := newTestLibrary(t)
	s := &Script{Meta: Meta{Name: "secret"}, Source: "x = 42\n", Encoding: codec.Encrypted}
	if _, err := lib.Save(s); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "x = 42") {
		t.Error("encrypted script stored in clear text")
	}
}

func TestLibraryPlainFileWithoutHeader(t *testing.T) {
	lib := newTestLibrary(t)
	path := filepath.Join(lib.Dir(), "helper.lua")
	if err := os.WriteFile(path, []byte("function helper() end\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := lib.Get("helper")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "helper" || got.Meta.Title != "helper" {
		t.Errorf("meta = %+v, want name/title from file name", got.Meta)
	}
	if got.Source != "function helper() end\r\n" {
		t.Errorf("source = %q", got.Source)
	}
}

func TestLibraryList(t *testing.T) {
	lib := newTestLibrary(t)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := lib.Save(&Script{Meta: Meta{Name: name}, Source: "x = 1"}); err != nil {
			t.Fatal(err)
		}
	}
	// Malformed header and non-script files are skipped.
	os.WriteFile(filepath.Join(lib.Dir(), "bad.lua"), []byte("-- {not json\n"), 0o644)
	os.WriteFile(filepath.Join(lib.Dir(), "notes.txt"), []byte("hello"), 0o644)

	list, err := lib.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
}

func TestLibraryGetNotFound(t *testing.T) {
	lib := newTestLibrary(t)
	if _, err := lib.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLibraryDelete(t *testing.T) {
	lib := newTestLibrary(t)
	if _, err := lib.Save(&Script{Meta: Meta{Name: "gone"}, Source: "x = 1"}); err != nil {
		t.Fatal(err)
	}
	if err := lib.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := lib.Get("gone"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"fwMain", true},
		{"_support2", true},
		{"", false},
		{"2fast", false},
		{"../etc", false},
		{"has space", false},
		{"dot.name", false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckSyntax(t *testing.T) {
	if err := CheckSyntax("ok", "local x = 1\nif x then print(x) end\n"); err != nil {
		t.Errorf("valid chunk: %v", err)
	}
	if err := CheckSyntax("bad", "if x then\n"); err == nil {
		t.Error("expected syntax error for unterminated if")
	}
}
