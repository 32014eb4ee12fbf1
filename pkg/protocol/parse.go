package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrNoMarkers is wrapped by ParseOutput when the sentinel pair is absent and
// no fallback is permitted.
var ErrNoMarkers = fmt.Errorf("output markers not found")

// ParseOutput extracts and decodes the WorkerOutput from captured stdout.
//
// The payload is the text strictly between the first OutputStartMarker and
// the following OutputEndMarker. When the markers are missing and fallback is
// true (cold workers only), the last non-empty stdout line is tried as the
// payload instead.
func ParseOutput(stdout string, fallback bool) (*WorkerOutput, error) {
	payload, ok := between(stdout, OutputStartMarker, OutputEndMarker)
	if !ok {
		if !fallback {
			return nil, fmt.Errorf("%w in worker stdout", ErrNoMarkers)
		}
		payload = lastNonEmptyLine(stdout)
		if payload == "" {
			return nil, fmt.Errorf("%w and stdout is empty", ErrNoMarkers)
		}
	}

	return DecodeOutput(payload)
}

// DecodeOutput decodes a bare payload that has already been framed, i.e. the
// text a warm worker emitted between the output markers.
func DecodeOutput(payload string) (*WorkerOutput, error) {
	var out WorkerOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &out); err != nil {
		return nil, fmt.Errorf("decode worker output: %w", err)
	}
	if out.Status != StatusSuccess && out.Status != StatusError {
		return nil, fmt.Errorf("worker output has unknown status %q", out.Status)
	}
	return &out, nil
}

// between returns the text strictly between the first occurrence of start and
// the next occurrence of end.
func between(s, start, end string) (string, bool) {
	i := strings.Index(s, start)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
