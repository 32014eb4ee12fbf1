// Package protocol — the supervisor↔worker stdio wire contract.
//
// A worker receives exactly one line of UTF-8 JSON per request on stdin:
//
//	{"prompt":"…","session_id":"s1","folder":"family-chat","session_key":"100_0","is_main":false}
//
// and answers on stdout with a sentinel-delimited JSON object:
//
//	---NANOCLAW_OUTPUT_START---
//	{"status":"success","result":"all good","new_session_id":"s2"}
//	---NANOCLAW_OUTPUT_END---
//
// Warm workers additionally print a readiness marker on stderr, on its own
// line, whenever they are willing to accept the next request:
//
//	---NANOCLAW_READY---
//
// Everything else a worker writes to stderr is free-form log output.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Stdio sentinels. These are matched as full lines; workers must not embed
// them in payloads.
const (
	ReadyMarker       = "---NANOCLAW_READY---"
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// WorkerOutput status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WorkerInput is the per-request job document written to worker stdin.
type WorkerInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"session_id,omitempty"`
	Folder          string `json:"folder"`
	SessionKey      string `json:"session_key"`
	IsMain          bool   `json:"is_main"`
	IsScheduledTask bool   `json:"is_scheduled_task,omitempty"`
	ChatType        string `json:"chat_type,omitempty"`
}

// WorkerOutput is the worker's reply. Result may be JSON null, which decodes
// to the empty string.
type WorkerOutput struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"new_session_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Success reports whether the output carries a successful status.
func (o *WorkerOutput) Success() bool { return o.Status == StatusSuccess }

// EncodeInput marshals a job to the single-line form the worker expects,
// including the trailing newline that terminates a request.
func EncodeInput(in WorkerInput) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode worker input: %w", err)
	}
	return append(data, '\n'), nil
}
