package protocol

import (
	"errors"
	"strings"
	"testing"
)

// TestParseOutput covers marker extraction, the cold-only last-line fallback,
// and rejection of malformed payloads.
func TestParseOutput(t *testing.T) {
	framed := OutputStartMarker + "\n" +
		`{"status":"success","result":"all good","new_session_id":"s1"}` + "\n" +
		OutputEndMarker + "\n"

	tests := []struct {
		name     string
		stdout   string
		fallback bool
		wantErr  bool
		want     WorkerOutput
	}{
		{
			name:   "framed success",
			stdout: "npm noise\n" + framed + "trailing noise\n",
			want:   WorkerOutput{Status: "success", Result: "all good", NewSessionID: "s1"},
		},
		{
			name:   "framed error",
			stdout: OutputStartMarker + "\n" + `{"status":"error","result":null,"error":"boom"}` + "\n" + OutputEndMarker,
			want:   WorkerOutput{Status: "error", Error: "boom"},
		},
		{
			name:     "no markers with fallback takes last line",
			stdout:   "log line\n" + `{"status":"success","result":"late"}` + "\n\n",
			fallback: true,
			want:     WorkerOutput{Status: "success", Result: "late"},
		},
		{
			name:    "no markers without fallback",
			stdout:  `{"status":"success","result":"late"}`,
			wantErr: true,
		},
		{
			name:    "start without end",
			stdout:  OutputStartMarker + "\n" + `{"status":"success"}`,
			wantErr: true,
		},
		{
			name:    "garbage between markers",
			stdout:  OutputStartMarker + "\nnot json\n" + OutputEndMarker,
			wantErr: true,
		},
		{
			name:    "unknown status",
			stdout:  OutputStartMarker + "\n" + `{"status":"maybe"}` + "\n" + OutputEndMarker,
			wantErr: true,
		},
		{
			name:     "empty stdout with fallback",
			stdout:   "\n\n",
			fallback: true,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput(tt.stdout, tt.fallback)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOutput() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOutput() error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseOutput() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

// TestParseOutputNoMarkersSentinel checks callers can branch on ErrNoMarkers.
func TestParseOutputNoMarkersSentinel(t *testing.T) {
	_, err := ParseOutput("just logs", false)
	if !errors.Is(err, ErrNoMarkers) {
		t.Errorf("error = %v, want ErrNoMarkers", err)
	}
}

// TestEncodeInput checks the single-line framing contract.
func TestEncodeInput(t *testing.T) {
	data, err := EncodeInput(WorkerInput{
		Prompt:     "<messages></messages>",
		Folder:     "family-chat",
		SessionKey: "100_0",
		IsMain:     false,
	})
	if err != nil {
		t.Fatalf("EncodeInput() error: %v", err)
	}
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		t.Errorf("encoded input missing trailing newline: %q", s)
	}
	if strings.Count(s, "\n") != 1 {
		t.Errorf("encoded input must be a single line, got %q", s)
	}
	if strings.Contains(s, "is_scheduled_task") {
		t.Errorf("zero-valued optional fields should be omitted: %q", s)
	}
}
