package script

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func classifyAll(lines []string) []LineKind {
	var c Classifier
	kinds := make([]LineKind, 0, len(lines))
	for _, l := range lines {
		k, _ := c.Next(l)
		kinds = append(kinds, k)
	}
	return kinds
}

func TestClassifierFixture(t *testing.T) {
	lines := []string{"code1", "--[[", "hidden", "]]", "-- line comment", "code2 --[["}
	want := []LineKind{Syntax, StartCommentBlock, None, EndCommentBlock, Comment, SyntaxStartCommentBlock}

	if diff := cmp.Diff(want, classifyAll(lines)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifierDeterministic(t *testing.T) {
	lines := []string{"a = 1", "--[[ doc", "more doc", "]]", "", "b = 2 --[[ trailing", "x", "]]", "c = 3"}
	first := classifyAll(lines)
	second := classifyAll(lines)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second scan differs (-first +second):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		inBlock     bool
		wantKind    LineKind
		wantPayload string
		wantBlock   bool
	}{
		{"blank", "   ", false, None, "", false},
		{"blank keeps block", "", true, None, "", true},
		{"code", "x = 1", false, Syntax, "x = 1", false},
		{"code keeps indent", "    x = 1   ", false, Syntax, "    x = 1", false},
		{"code with line comment", "x = 1 -- note", false, Syntax, "x = 1 -- note", false},
		{"line comment", "  -- note", false, Comment, "", false},
		{"block open", "--[[", false, StartCommentBlock, "", true},
		{"block open with text", "--[[ header text", false, StartCommentBlock, "", true},
		{"one-line block", "--[[ closed ]]", false, Comment, "", false},
		{"one-line block then code", "--[[ closed ]] y = 2", false, Syntax, "y = 2", false},
		{"inside block", "anything", true, None, "", true},
		{"block end", "]]", true, EndCommentBlock, "", false},
		{"block end with text", "end of doc ]]", true, EndCommentBlock, "", false},
		{"code then block", "  z = 3 --[[ start", false, SyntaxStartCommentBlock, "  z = 3", true},
		{"code then closed block", "z = 3 --[[ c ]]", false, Syntax, "z = 3 --[[ c ]]", false},
		{"marker in string", `print("--[[")`, false, Syntax, `print("--[[")`, false},
		{"marker in single quotes", `s = '-- x' --[[`, false, SyntaxStartCommentBlock, `s = '-- x'`, true},
		{"escaped quote", `s = "a\"--[[" `, false, Syntax, `s = "a\"--[["`, false},
		{"long string", `s = [[--[[]] --[[`, false, SyntaxStartCommentBlock, `s = [[--[[]]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, payload, block := Classify(tt.line, tt.inBlock)
			if kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
			if payload != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
			if block != tt.wantBlock {
				t.Errorf("inBlock = %v, want %v", block, tt.wantBlock)
			}
		})
	}
}

func TestClassifyLevel(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		level       int
		wantKind    LineKind
		wantPayload string
		wantLevel   int
	}{
		{"leveled open", "--[=[", -1, StartCommentBlock, "", 1},
		{"leveled open with text", "--[==[ notes", -1, StartCommentBlock, "", 2},
		{"leveled one-line", "--[=[ a ]] b ]=]", -1, Comment, "", -1},
		{"leveled one-line then code", "--[=[ a ]=] y = 2", -1, Syntax, "y = 2", -1},
		{"level-0 close inside leveled block", "x = t[i[1]]", 1, None, "", 1},
		{"leveled close", "]=]", 1, EndCommentBlock, "", -1},
		{"wrong level close", "]=]", 2, None, "", 2},
		{"bracket without second [", "--[= not a block", -1, Comment, "", -1},
		{"code then leveled block", "z = 3 --[=[ start", -1, SyntaxStartCommentBlock, "z = 3", 1},
		{"leveled string", "s = [=[ -- ]=] --[[", -1, SyntaxStartCommentBlock, "s = [=[ -- ]=]", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, payload, level := ClassifyLevel(tt.line, tt.level)
			if kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
			if payload != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
			if level != tt.wantLevel {
				t.Errorf("level = %d, want %d", level, tt.wantLevel)
			}
		})
	}
}

func TestClassifierLeveledBlock(t *testing.T) {
	lines := []string{"a = 1", "--[=[", "x = t[i[1]]", "print(x)", "]=]", "b = 2"}
	want := []LineKind{Syntax, StartCommentBlock, None, None, EndCommentBlock, Syntax}

	if diff := cmp.Diff(want, classifyAll(lines)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestLineKindTransmittable(t *testing.T) {
	for k := None; k <= SyntaxStartCommentBlock; k++ {
		want := k == Syntax || k == SyntaxStartCommentBlock
		if got := k.Transmittable(); got != want {
			t.Errorf("%v.Transmittable() = %v, want %v", k, got, want)
		}
	}
	if got := LineKind(42).String(); got != "LineKind(?)" {
		t.Errorf("String() = %q", got)
	}
}

func TestClassifierReset(t *testing.T) {
	var c Classifier
	c.Next("--[[")
	if !c.InBlock() {
		t.Fatal("expected block state after opener")
	}
	c.Reset()
	if c.InBlock() {
		t.Error("Reset did not clear block state")
	}
}
