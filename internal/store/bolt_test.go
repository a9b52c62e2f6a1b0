package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"node-provisioner/internal/firmware"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRegistration(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	reg := &Registration{SerialNumber: "4471234", Owner: "Lab 3", Model: "2450"}
	if err := s.SaveRegistration(reg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRegistration("4471234")
	if err != nil {
		t.Fatal(err)
	}
	if got.Owner != "Lab 3" {
		t.Errorf("owner = %q, want %q", got.Owner, "Lab 3")
	}
	if got.Model != "2450" {
		t.Errorf("model = %q, want %q", got.Model, "2450")
	}
	if !got.RegisteredAt.Equal(fixed) {
		t.Errorf("registered_at = %v, want %v", got.RegisteredAt, fixed)
	}
}

func TestSaveRegistrationRequiresSerial(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRegistration(&Registration{Owner: "x"}); err == nil {
		t.Fatal("expected error for empty serial")
	}
}

func TestDeleteRegistration(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveRegistration(&Registration{SerialNumber: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRegistration("1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.GetRegistration("1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRegistrations(t *testing.T) {
	s := newTestStore(t)

	for _, serial := range []string{"3", "1", "2"} {
		if err := s.SaveRegistration(&Registration{SerialNumber: serial}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListRegistrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	// Bolt iterates in key order.
	for i, want := range []string{"1", "2", "3"} {
		if list[i].SerialNumber != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].SerialNumber, want)
		}
	}
}

func TestUpdateRegistration(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRegistration(&Registration{SerialNumber: "1", Owner: "a"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateRegistration("1", func(reg *Registration) error {
		reg.Revoked = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRegistration("1")
	if !got.Revoked || got.Owner != "a" {
		t.Errorf("after update = %+v", got)
	}

	if err := s.UpdateRegistration("missing", func(*Registration) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}

	boom := errors.New("boom")
	if err := s.UpdateRegistration("1", func(*Registration) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("update fn error = %v, want boom", err)
	}
}

func TestRegistered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, reg := range []*Registration{
		{SerialNumber: "owned", Owner: "Lab 3"},
		{SerialNumber: "plain"},
		{SerialNumber: "revoked", Revoked: true},
	} {
		if err := s.SaveRegistration(reg); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		serial      string
		want        firmware.TriState
		wantDetails string
	}{
		{"owned", firmware.True, "Registered to Lab 3"},
		{"plain", firmware.True, ""},
		{"revoked", firmware.False, "Registration of revoked was revoked"},
		{"unknown", firmware.False, ""},
	}
	for _, tt := range tests {
		got, details, err := s.Registered(ctx, tt.serial)
		if err != nil {
			t.Fatalf("%s: %v", tt.serial, err)
		}
		if got != tt.want || details != tt.wantDetails {
			t.Errorf("Registered(%s) = %v %q, want %v %q", tt.serial, got, details, tt.want, tt.wantDetails)
		}
	}
}

func TestScriptArchive(t *testing.T) {
	s := newTestStore(t)

	a := &ArchivedScript{Name: "fwMain", Version: "1.2.3", Encoding: "compressed", Blob: "--[[Z]]abc", Size: 42}
	if err := s.PutScript(a); err != nil {
		t.Fatal(err)
	}
	if a.ArchivedAt.IsZero() {
		t.Error("ArchivedAt not set")
	}

	got, err := s.GetScript("fwMain")
	if err != nil {
		t.Fatal(err)
	}
	if got.Blob != a.Blob || got.Encoding != a.Encoding || got.Size != 42 {
		t.Errorf("got %+v", got)
	}

	list, err := s.ListScripts()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListScripts = %d, %v", len(list), err)
	}

	if err := s.DeleteScript("fwMain"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetScript("fwMain"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetScript after delete = %v", err)
	}
}

func TestReports(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetReport("1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReport empty = %v", err)
	}

	info := json.RawMessage(`{"verdict":"current"}`)
	for _, verdict := range []string{"load_firmware", "current"} {
		if err := s.SaveReport(&Report{SerialNumber: "1", Node: "bench", Verdict: verdict, Info: info}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetReport("1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Verdict != "current" || got.Node != "bench" || string(got.Info) != string(info) {
		t.Errorf("report = %+v", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRegistration(&Registration{SerialNumber: "1"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.GetRegistration("1"); err != nil {
		t.Errorf("registration lost after reopen: %v", err)
	}
}
