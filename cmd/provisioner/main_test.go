package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"node-provisioner/internal/instrument"
	"node-provisioner/internal/sim"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
nodes:
  - name: bench
    type: serial
    port: /dev/ttyUSB0
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	checks := map[string][2]string{
		"store.path":             {cfg.Store.Path, "provisioner.db"},
		"scripts_dir":            {cfg.ScriptsDir, "scripts"},
		"codec.secret_env":       {cfg.Codec.SecretEnv, "PROVISIONER_SECRET"},
		"codec.format":           {cfg.Codec.Format, "compressed|encrypted"},
		"transfer.poll_interval": {cfg.Transfer.PollInterval, "20ms"},
		"transfer.timeout":       {cfg.Transfer.Timeout, "3s"},
		"transfer.settle":        {cfg.Transfer.Settle, "100ms"},
		"transfer.on_timeout":    {cfg.Transfer.OnTimeout, "fail"},
		"transfer.query_timeout": {cfg.Transfer.QueryTimeout, "2s"},
		"mqtt.topic_prefix":      {cfg.MQTT.TopicPrefix, "provisioner"},
		"log.level":              {cfg.Log.Level, "info"},
		"log.format":             {cfg.Log.Format, "text"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.Nodes[0].Baud != 115200 {
		t.Errorf("baud = %d, want 115200", cfg.Nodes[0].Baud)
	}

	opts := cfg.loaderOptions()
	if opts.Timeout != 3*time.Second || opts.PollInterval != 20*time.Millisecond {
		t.Errorf("loader options = %+v", opts)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Transfer.PollInterval = "20ms"
		cfg.Transfer.Timeout = "3s"
		cfg.Transfer.Settle = "0s"
		cfg.Transfer.QueryTimeout = "2s"
		cfg.Codec.Format = "compressed"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"sim node", func(c *Config) { c.Nodes = []NodeConfig{{Name: "a", Type: "sim"}} }, ""},
		{"missing name", func(c *Config) { c.Nodes = []NodeConfig{{Type: "sim"}} }, "name is required"},
		{"duplicate", func(c *Config) {
			c.Nodes = []NodeConfig{{Name: "a", Type: "sim"}, {Name: "a", Type: "sim"}}
		}, "duplicate node name"},
		{"unknown type", func(c *Config) { c.Nodes = []NodeConfig{{Name: "a", Type: "bluetooth"}} }, "unknown type"},
		{"serial without port", func(c *Config) { c.Nodes = []NodeConfig{{Name: "a", Type: "serial"}} }, "port is required"},
		{"bad websocket url", func(c *Config) {
			c.Nodes = []NodeConfig{{Name: "a", Type: "websocket", URL: "http://x"}}
		}, "ws://"},
		{"tcp without address", func(c *Config) { c.Nodes = []NodeConfig{{Name: "a", Type: "tcp"}} }, "address is required"},
		{"bad duration", func(c *Config) { c.Transfer.Timeout = "soon" }, "transfer.timeout"},
		{"bad policy", func(c *Config) { c.Transfer.OnTimeout = "ignore" }, "on_timeout"},
		{"bad format", func(c *Config) { c.Codec.Format = "gzip" }, "codec.format"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNodeNames(t *testing.T) {
	a := &app{cfg: &Config{Nodes: []NodeConfig{{Name: "a"}, {Name: "b"}}}}
	if diff := cmp.Diff([]string{"a", "b"}, a.nodeNames(nil)); diff != "" {
		t.Errorf("default names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, a.nodeNames([]string{"b"})); diff != "" {
		t.Errorf("explicit names (-want +got):\n%s", diff)
	}
}

// testEnv is a config, library and database in a temp dir with one
// simulated node.
type testEnv struct {
	dir    string
	config string
	node   string
}

func newTestEnv(t *testing.T, serial string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(scripts, "fwMain.lua"),
		`-- {"name":"fwMain","title":"Firmware","version":"1.2.3","role":"autoexec","version_var":"fwVersion"}`+"\n"+
			"-- main firmware\n"+
			"function start()\n"+
			"\tfwVersion = \"1.2.3\"\n"+
			"end\n"+
			"start()\n")
	writeFile(t, filepath.Join(scripts, "fwSupport.lua"),
		`-- {"name":"fwSupport","title":"Support","version":"1.0.0","role":"support"}`+"\n"+
			"function certified() return true end\n")

	// Simulated nodes are shared per process, so every test gets its own name.
	node := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	env := &testEnv{dir: dir, config: filepath.Join(dir, "config.yaml"), node: node}
	writeFile(t, env.config, `
store:
  path: `+filepath.Join(dir, "test.db")+`
scripts_dir: `+scripts+`
codec:
  secret: test-secret
transfer:
  poll_interval: 1ms
  timeout: 500ms
  settle: 0s
  query_timeout: 500ms
log:
  level: error
nodes:
  - name: `+node+`
    type: sim
    serial: "`+serial+`"
`)
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestProvisionAndStatus(t *testing.T) {
	env := newTestEnv(t, "4471234")

	env.mustRun(t, "register", "4471234", "--owner", "Lab 3")

	out, err := env.run(t, "status", "--strict", env.node)
	if !errors.Is(err, errVerdict) {
		t.Fatalf("status before load err = %v, want errVerdict", err)
	}
	assertContains(t, out, "Status: Load firmware", "Registered to Lab 3", "Firmware Status: Load firmware")

	out = env.mustRun(t, "load", env.node, "--save")
	assertContains(t, out, "loaded: fwSupport, fwMain", "ran: fwMain", "saved: fwMain, fwSupport")

	out = env.mustRun(t, "status", "--strict", env.node)
	assertContains(t, out,
		"Status: Current",
		"  Installed: 1.2.3",
		"Registered: True",
		"Certified: True",
		"Firmware Status: Current",
	)

	out = env.mustRun(t, "report", "4471234")
	assertContains(t, out, "Node: "+env.node, "Status: Current")

	out = env.mustRun(t, "report", "4471234", "--json")
	assertContains(t, out, `"verdict":"current"`)
}

func TestStatusUnregistered(t *testing.T) {
	env := newTestEnv(t, "9000")
	out := env.mustRun(t, "status", "--json", env.node)
	assertContains(t, out, `"serial_number": "9000"`, `"registered": "False"`)
}

func TestStatusStrictEmptySerial(t *testing.T) {
	env := newTestEnv(t, "")
	env.mustRun(t, "load", env.node)

	out, err := env.run(t, "status", "--strict", env.node)
	if !errors.Is(err, errVerdict) {
		t.Fatalf("status --strict err = %v, want errVerdict", err)
	}
	assertContains(t, out, "Status: Instrument serial number is empty")
}

func TestSaveUnknownScriptReportsNodeError(t *testing.T) {
	env := newTestEnv(t, "1004")
	_, err := env.run(t, "save", env.node, "ghost")
	if !instrument.IsNodeError(err) {
		t.Fatalf("save ghost err = %v, want node error", err)
	}
	if !strings.Contains(err.Error(), "node "+env.node+" rejected command") {
		t.Errorf("err = %q, want node rejection prefix", err)
	}
}

func TestStatusUnknownNode(t *testing.T) {
	env := newTestEnv(t, "1")
	if _, err := env.run(t, "status", "ghost"); err == nil || !strings.Contains(err.Error(), "unknown node") {
		t.Fatalf("err = %v, want unknown node", err)
	}
}

func TestLoadNamedScriptsAndDelete(t *testing.T) {
	env := newTestEnv(t, "1002")

	out := env.mustRun(t, "load", env.node, "fwSupport")
	assertContains(t, out, "loaded fwSupport")

	out = env.mustRun(t, "save", env.node)
	assertContains(t, out, "saved: fwSupport")

	out = env.mustRun(t, "delete", env.node)
	assertContains(t, out, "deleted: fwSupport")

	if _, err := env.run(t, "load", env.node, "missing"); err == nil {
		t.Fatal("expected error for unknown script")
	}
}

func TestLoadFile(t *testing.T) {
	env := newTestEnv(t, "1003")
	path := filepath.Join(env.dir, "extra.lua")
	writeFile(t, path, "function extra() return 1 end\n")

	if _, err := env.run(t, "load", env.node, "--file", path); err == nil {
		t.Fatal("expected error without --name")
	}
	out := env.mustRun(t, "load", env.node, "--file", path, "--name", "extra")
	assertContains(t, out, "loaded extra from "+path)
}

func TestPackUnpack(t *testing.T) {
	env := newTestEnv(t, "1")
	src := filepath.Join(env.dir, "plain.lua")
	packed := filepath.Join(env.dir, "packed.txt")
	writeFile(t, src, "print('hello')\r\nprint('world')\r\n")

	env.mustRun(t, "pack", src, "-o", packed)
	data, err := os.ReadFile(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "--[[X]]") {
		t.Errorf("packed blob = %q, want encrypted signature", data)
	}

	out := env.mustRun(t, "unpack", packed)
	if out != "print('hello')\nprint('world')\n" {
		t.Errorf("unpack = %q", out)
	}

	env.mustRun(t, "pack", "--format", "compressed", src, "-o", packed)
	data, _ = os.ReadFile(packed)
	if !strings.HasPrefix(string(data), "--[[Z]]") {
		t.Errorf("packed blob = %q, want compressed signature", data)
	}

	if _, err := env.run(t, "pack", "--format", "gzip", src); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestScriptsTable(t *testing.T) {
	env := newTestEnv(t, "1")
	out := env.mustRun(t, "scripts", "--check")
	assertContains(t, out, "NAME", "fwMain", "fwSupport", "autoexec", "support", "ok")

	writeFile(t, filepath.Join(env.dir, "scripts", "broken.lua"), "function broken(\n")
	if _, err := env.run(t, "scripts", "--check"); err == nil {
		t.Fatal("expected syntax check failure")
	}
}

func TestRegisterLifecycle(t *testing.T) {
	env := newTestEnv(t, "1")

	env.mustRun(t, "register", "100", "--owner", "Lab 1", "--model", "2450")
	out := env.mustRun(t, "register", "--list")
	assertContains(t, out, "100", "Lab 1", "2450", "false")

	assertContains(t, env.mustRun(t, "register", "100", "--revoke"), "revoked 100")
	assertContains(t, env.mustRun(t, "register", "--list"), "true")

	assertContains(t, env.mustRun(t, "register", "100", "--remove"), "removed 100")
	if _, err := env.run(t, "register", "100", "--revoke"); err == nil {
		t.Fatal("expected error revoking a removed registration")
	}
	if _, err := env.run(t, "register"); err == nil {
		t.Fatal("expected error without serial")
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	env := newTestEnv(t, "1")

	out := env.mustRun(t, "archive", "push", "fwSupport")
	assertContains(t, out, "archived fwSupport")

	out = env.mustRun(t, "archive", "list")
	assertContains(t, out, "fwSupport", "1.0.0", "compressed|encrypted")

	lib := filepath.Join(env.dir, "scripts", "fwSupport.lua")
	if err := os.Remove(lib); err != nil {
		t.Fatal(err)
	}
	out = env.mustRun(t, "archive", "restore", "fwSupport")
	assertContains(t, out, "restored fwSupport")

	data, err := os.ReadFile(lib)
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, string(data), `"name":"fwSupport"`, `"role":"support"`, "function certified() return true end")

	if _, err := env.run(t, "archive", "restore", "nothing"); err == nil {
		t.Fatal("expected error for unknown archive entry")
	}
}

func (e *testEnv) addNode(t *testing.T, yamlItem string) {
	t.Helper()
	f, err := os.OpenFile(e.config, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(yamlItem); err != nil {
		t.Fatal(err)
	}
}

func TestStatusOverTCP(t *testing.T) {
	env := newTestEnv(t, "1")

	node := sim.New(sim.Options{SerialNumber: "5550001"}, slogDiscard())
	defer node.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.NewServer(node, slogDiscard()).Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	env.addNode(t, "  - name: lan\n    type: tcp\n    address: "+ln.Addr().String()+"\n")
	env.mustRun(t, "register", "5550001")

	out := env.mustRun(t, "load", "lan")
	assertContains(t, out, "loaded: fwSupport, fwMain", "ran: fwMain")

	out = env.mustRun(t, "status", "lan", env.node)
	assertContains(t, out, "== lan ==", "== "+env.node+" ==", "Firmware Status: Current", "Firmware Status: Load firmware")
	if strings.Index(out, "== lan ==") > strings.Index(out, "== "+env.node+" ==") {
		t.Errorf("reports out of order:\n%s", out)
	}
}

func TestSimulateRequiresAddress(t *testing.T) {
	env := newTestEnv(t, "1")
	if _, err := env.run(t, "simulate"); err == nil || !strings.Contains(err.Error(), "--listen") {
		t.Fatalf("err = %v, want missing address error", err)
	}
	env.addNode(t, "  - name: real\n    type: tcp\n    address: 127.0.0.1:1\n")
	if _, err := env.run(t, "simulate", "real", "--listen", "127.0.0.1:0"); err == nil {
		t.Fatal("expected error for non-simulated node")
	}
}
