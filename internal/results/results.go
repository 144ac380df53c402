// Package results persists captured task output into the run's results
// directory.
package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is the results directory relative to the run root.
const DefaultDir = ".stagehand/results"

// IgnoreFunc reports whether a root-relative, slash-separated path is
// excluded from execution and writes.
type IgnoreFunc func(rel string) bool

// Writer writes task output files under Root/Dir.
type Writer struct {
	Root   string
	Dir    string
	Ignore IgnoreFunc
}

// HostDir returns the absolute results directory.
func (w Writer) HostDir() string {
	dir := w.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(w.Root, dir)
}

// Path returns the absolute path of an output file.
func (w Writer) Path(name string) string {
	return filepath.Join(w.HostDir(), filepath.FromSlash(name))
}

// Ignored reports whether abs falls under the ignore predicate.
func (w Writer) Ignored(abs string) bool {
	if w.Ignore == nil {
		return false
	}
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return w.Ignore(filepath.ToSlash(rel))
}

// ErrIgnored is returned by Write when the target path is ignored.
var ErrIgnored = errors.New("output path is ignored")

// Write persists text as name, pretty-printing JSON for .json targets, and
// returns the written path.
func (w Writer) Write(name, text string) (string, error) {
	path := w.Path(name)
	if w.Ignored(path) {
		return path, ErrIgnored
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, fmt.Errorf("create results dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(Format(name, text)), 0o644); err != nil {
		return path, fmt.Errorf("write output: %w", err)
	}
	return path, nil
}

// Format returns the content to persist for name. JSON targets get the
// outermost balanced object or array found in text, indented, when it
// parses; everything else is returned verbatim.
func Format(name, text string) string {
	if !strings.EqualFold(filepath.Ext(name), ".json") {
		return text
	}
	span, ok := ExtractJSON(text)
	if !ok {
		return text
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(span), "", "  "); err != nil {
		return text
	}
	buf.WriteByte('\n')
	return buf.String()
}

// ExtractJSON locates the first balanced {...} or [...] span of text by
// bracket depth. Brackets inside JSON strings are not counted.
func ExtractJSON(text string) (string, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		if end := matchBracket(text, start); end > start {
			span := text[start : end+1]
			if json.Valid([]byte(span)) {
				return span, true
			}
		}
	}
	return "", false
}

func matchBracket(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
