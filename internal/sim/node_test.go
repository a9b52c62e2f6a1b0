package sim

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"node-provisioner/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n := New(Options{SerialNumber: "4471234", Model: "2450"}, testLogger())
	t.Cleanup(func() { n.Close() })
	return n
}

func writeAll(t *testing.T, n *Node, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if err := n.WriteLine(context.Background(), l); err != nil {
			t.Fatalf("WriteLine(%q): %v", l, err)
		}
	}
}

func query(t *testing.T, n *Node, expr string) string {
	t.Helper()
	got, err := transport.Query(context.Background(), n, expr, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Query(%s): %v", expr, err)
	}
	return got
}

func loadScript(t *testing.T, n *Node, name string, body ...string) {
	t.Helper()
	writeAll(t, n, transport.BeginScript+" "+name)
	writeAll(t, n, body...)
	writeAll(t, n, transport.EndScript+transport.CompletionQuery)
	reply, err := n.ReadLine(context.Background())
	if err != nil {
		t.Fatalf("no completion reply: %v", err)
	}
	if !strings.HasPrefix(reply, transport.CompletionSentinel) {
		t.Fatalf("completion reply = %q", reply)
	}
}

func TestSerialNumber(t *testing.T) {
	n := newTestNode(t)
	if got := query(t, n, "localnode.serialno"); got != "4471234" {
		t.Errorf("serialno = %q, want 4471234", got)
	}
}

func TestLoadAndRunScript(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	if ok, _ := n.Exists(ctx, "hello"); ok {
		t.Fatal("hello exists before load")
	}
	loadScript(t, n, "hello",
		"greeting = 'hi' ",
		"function greet() print(greeting) end ",
	)

	ok, err := n.Exists(ctx, "hello")
	if err != nil || !ok {
		t.Fatalf("Exists(hello) = %v, %v; want true", ok, err)
	}
	// Body not executed until run.
	if got := query(t, n, "greeting"); got != "nil" {
		t.Errorf("greeting before run = %q, want nil", got)
	}

	writeAll(t, n, "hello.run()")
	if got := query(t, n, "greeting"); got != "hi" {
		t.Errorf("greeting after run = %q, want hi", got)
	}

	writeAll(t, n, "greet()")
	reply, err := n.ReadLine(ctx)
	if err != nil || reply != "hi" {
		t.Errorf("greet() reply = %q, %v", reply, err)
	}
}

func TestScriptCallable(t *testing.T) {
	n := newTestNode(t)
	loadScript(t, n, "fw", "fwVersion = '1.2.3' ")
	writeAll(t, n, "fw()")
	if got := query(t, n, "fwVersion"); got != "1.2.3" {
		t.Errorf("fwVersion = %q", got)
	}
}

func TestSyntaxErrorQueued(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	loadScript(t, n, "broken", "function oops( ")

	if ok, _ := n.Exists(ctx, "broken"); ok {
		t.Error("broken script was defined")
	}
	err := n.DrainErrors(ctx)
	var ne *transport.NodeError
	if !errors.As(err, &ne) || len(ne.Messages) != 1 {
		t.Fatalf("DrainErrors = %v, want one node error", err)
	}
	if err := n.DrainErrors(ctx); err != nil {
		t.Errorf("second DrainErrors = %v", err)
	}
}

func TestErrorQueueVocabulary(t *testing.T) {
	n := newTestNode(t)
	writeAll(t, n, "error('boom')")
	if got := query(t, n, "errorqueue.count"); got != "1" {
		t.Fatalf("errorqueue.count = %q, want 1", got)
	}
	got := query(t, n, "errorqueue.next()")
	if !strings.Contains(got, "boom") {
		t.Errorf("errorqueue.next() = %q", got)
	}
	if got := query(t, n, "errorqueue.count"); got != "0" {
		t.Errorf("errorqueue.count after next = %q", got)
	}
}

func TestSaveSurvivesRestart(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	loadScript(t, n, "keep", "kept = true ")
	loadScript(t, n, "lose", "lost = true ")

	writeAll(t, n, "keep.save()")
	if got := query(t, n, "script.user.scripts.keep ~= nil"); got != "true" {
		t.Errorf("keep saved = %q", got)
	}
	if got := query(t, n, "script.user.scripts.lose ~= nil"); got != "false" {
		t.Errorf("lose saved = %q", got)
	}

	n.Restart()

	if ok, _ := n.Exists(ctx, "keep"); !ok {
		t.Error("saved script lost on restart")
	}
	if ok, _ := n.Exists(ctx, "lose"); ok {
		t.Error("volatile script survived restart")
	}
	if !n.IsSaved("keep") {
		t.Error("IsSaved(keep) = false")
	}
}

func TestScriptDelete(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	loadScript(t, n, "gone", "x = 1 ")
	writeAll(t, n, "gone.save()", `script.delete("gone")`)

	if ok, _ := n.Exists(ctx, "gone"); ok {
		t.Error("deleted script still exists")
	}
	if n.IsSaved("gone") {
		t.Error("deleted script still saved")
	}
}

func TestSandbox(t *testing.T) {
	n := newTestNode(t)
	for _, g := range []string{"os", "io", "require", "dofile"} {
		if got := query(t, n, g); got != "nil" {
			t.Errorf("%s = %q, want nil", g, got)
		}
	}
}

func TestExecTimeout(t *testing.T) {
	n := New(Options{ExecTimeout: 20 * time.Millisecond}, testLogger())
	defer n.Close()
	writeAll(t, n, "while true do end")
	if err := n.DrainErrors(context.Background()); err == nil {
		t.Error("runaway loop did not produce a node error")
	}
}

func TestClosed(t *testing.T) {
	n := New(Options{}, testLogger())
	n.Close()
	err := n.WriteLine(context.Background(), "x = 1")
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("WriteLine after Close = %v, want ErrClosed", err)
	}
	if _, err := n.MessagePending(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("MessagePending after Close = %v", err)
	}
}

func TestReceived(t *testing.T) {
	n := newTestNode(t)
	writeAll(t, n, "a = 1", "b = 2")
	got := n.Received()
	if len(got) != 2 || got[0] != "a = 1" || got[1] != "b = 2" {
		t.Errorf("Received = %q", got)
	}
}
