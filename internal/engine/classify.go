package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const excerptRunes = 100

// DefaultToleratedWarnings are stderr fragments emitted by TensorFlow when a
// legacy model is loaded; they come with a nonzero exit but a usable result.
var DefaultToleratedWarnings = WarningAllowList{
	"disable_eager_execution",
	"skipping variable loading for optimizer",
}

// WarningAllowList holds stderr substrings that do not invalidate a run.
type WarningAllowList []string

// Matches reports whether stderr contains any allow-listed fragment.
func (l WarningAllowList) Matches(stderr string) bool {
	for _, fragment := range l {
		if fragment != "" && strings.Contains(stderr, fragment) {
			return true
		}
	}
	return false
}

// Classify turns the raw result of a completed process into an Outcome or an
// *Error.
func Classify(exitCode int, stdout, stderr []byte, allow WarningAllowList) (*Outcome, error) {
	trimmed := bytes.TrimSpace(stdout)
	stderrText := string(stderr)

	if exitCode != 0 {
		if allow.Matches(stderrText) && len(trimmed) > 0 && json.Valid(trimmed) {
			return &Outcome{
				Payload:   json.RawMessage(trimmed),
				ExitCode:  exitCode,
				Stderr:    stderrText,
				Tolerated: true,
			}, nil
		}
		return nil, &Error{
			Kind:     KindExecution,
			Message:  executionMessage(exitCode, trimmed, stderrText),
			ExitCode: exitCode,
			Stderr:   stderrText,
		}
	}

	if len(trimmed) == 0 {
		return nil, &Error{Kind: KindEmptyOutput, Message: "engine returned empty output", Stderr: stderrText}
	}

	var payload json.RawMessage
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		excerpt := Excerpt(string(trimmed), excerptRunes)
		return nil, &Error{
			Kind:    KindParse,
			Message: fmt.Sprintf("failed to parse engine output: %v. Raw output: %s...", err, excerpt),
			Stderr:  stderrText,
			Excerpt: excerpt,
			Err:     err,
		}
	}

	return &Outcome{Payload: payload, Stderr: stderrText}, nil
}

func executionMessage(exitCode int, stdout []byte, stderr string) string {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return msg
	}
	// Engines that catch their own exceptions print {"error": ...} and exit 1.
	var reported struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(stdout, &reported) == nil && reported.Error != "" {
		return reported.Error
	}
	return fmt.Sprintf("engine exited with status %d", exitCode)
}

// Excerpt returns at most n runes of s.
func Excerpt(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
