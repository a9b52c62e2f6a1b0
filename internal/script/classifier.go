package script

import "strings"

// LineKind classifies one source line for transmission.
type LineKind int

const (
	// None is a blank line or a line fully inside a comment block.
	None LineKind = iota
	// Comment is a line holding only a single-line comment.
	Comment
	// StartCommentBlock opens a block comment that does not close on the same line.
	StartCommentBlock
	// EndCommentBlock closes the current block comment.
	EndCommentBlock
	// Syntax is executable code, transmitted as is.
	Syntax
	// SyntaxStartCommentBlock is code followed by an unclosed block comment.
	SyntaxStartCommentBlock
)

var lineKindNames = [...]string{
	None:                    "None",
	Comment:                 "Comment",
	StartCommentBlock:       "StartCommentBlock",
	EndCommentBlock:         "EndCommentBlock",
	Syntax:                  "Syntax",
	SyntaxStartCommentBlock: "SyntaxStartCommentBlock",
}

func (k LineKind) String() string {
	if k < 0 || int(k) >= len(lineKindNames) {
		return "LineKind(?)"
	}
	return lineKindNames[k]
}

// Transmittable reports whether lines of this kind carry a payload.
func (k LineKind) Transmittable() bool {
	return k == Syntax || k == SyntaxStartCommentBlock
}

const lineComment = "--"

// longBracket reports whether s opens a long bracket ("[[", "[=[", ...) and
// returns its level and length.
func longBracket(s string) (level, n int, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return 0, 0, false
	}
	level = len(s[1:]) - len(strings.TrimLeft(s[1:], "="))
	if !strings.HasPrefix(s[1+level:], "[") {
		return 0, 0, false
	}
	return level, level + 2, true
}

func closeBracket(level int) string {
	return "]" + strings.Repeat("=", level) + "]"
}

// Classify tags line given whether the scan is currently inside a level-0
// block comment. It returns the kind, the transmittable payload
// (right-trimmed, leading indentation kept) and the updated block flag.
// Classify is pure.
func Classify(line string, inBlock bool) (LineKind, string, bool) {
	level := -1
	if inBlock {
		level = 0
	}
	kind, payload, level := ClassifyLevel(line, level)
	return kind, payload, level >= 0
}

// ClassifyLevel is Classify for block comments of any level. level is the
// number of '=' in the open block's bracket, or -1 outside a block; the
// updated level is returned.
func ClassifyLevel(line string, level int) (LineKind, string, int) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return None, "", level
	}

	if level >= 0 {
		if strings.Contains(trimmed, closeBracket(level)) {
			return EndCommentBlock, "", -1
		}
		return None, "", level
	}

	if strings.HasPrefix(trimmed, lineComment) {
		open, n, ok := longBracket(trimmed[len(lineComment):])
		if !ok {
			return Comment, "", -1
		}
		rest := trimmed[len(lineComment)+n:]
		closer := closeBracket(open)
		end := strings.Index(rest, closer)
		if end < 0 {
			return StartCommentBlock, "", open
		}
		// A block closed on the same line may be followed by code.
		kind, payload, state := ClassifyLevel(strings.TrimSpace(rest[end+len(closer):]), -1)
		if kind == None {
			return Comment, "", state
		}
		return kind, payload, state
	}

	payload := strings.TrimRight(line, " \t")
	if idx := commentIndex(payload); idx >= 0 {
		body := payload[idx+len(lineComment):]
		if open, n, ok := longBracket(body); ok && !strings.Contains(body[n:], closeBracket(open)) {
			return SyntaxStartCommentBlock, strings.TrimRight(payload[:idx], " \t"), open
		}
	}
	return Syntax, payload, -1
}

// commentIndex returns the byte offset of the first "--" that is not inside
// a string literal, or -1.
func commentIndex(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			level, n, ok := longBracket(s[i:])
			if !ok {
				continue
			}
			closer := closeBracket(level)
			end := strings.Index(s[i+n:], closer)
			if end < 0 {
				return -1
			}
			i += n + end + len(closer) - 1
		case c == '-' && strings.HasPrefix(s[i:], lineComment):
			return i
		}
	}
	return -1
}

// Classifier carries the block-comment state across a scan.
type Classifier struct {
	inBlock bool
	level   int
}

// Next classifies the next line of the scan.
func (c *Classifier) Next(line string) (LineKind, string) {
	level := -1
	if c.inBlock {
		level = c.level
	}
	kind, payload, level := ClassifyLevel(line, level)
	c.inBlock, c.level = level >= 0, level
	return kind, payload
}

// InBlock reports whether the scan is inside a block comment.
func (c *Classifier) InBlock() bool { return c.inBlock }

// Reset returns the classifier to its initial state.
func (c *Classifier) Reset() { c.inBlock, c.level = false, 0 }

// ExpandTabs replaces each tab with a single space.
func ExpandTabs(line string) string {
	return strings.ReplaceAll(line, "\t", " ")
}
