package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNoCapableEngineErrorMessage(t *testing.T) {
	err := &NoCapableEngineError{
		Stage:        StageTranscribe,
		Requirements: Requirements{Language: "sw"},
		Candidates: []CandidateMismatch{
			{EngineID: "whisper-large", Reason: `language "sw" not supported (has: [en de])`},
		},
		Alternatives: []CatalogAlternative{
			{EngineID: "mms-all", Image: "registry.local/mms-all:1"},
		},
	}
	msg := err.Error()
	for _, want := range []string{"transcribe", "whisper-large", "startable: mms-all"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error message %q missing %q", msg, want)
		}
	}
}

func TestJobErrorString(t *testing.T) {
	raw := NewSelectionJobError(&NoCapableEngineError{Stage: StageAlign}).String()
	var decoded JobError
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("job error is not valid JSON: %v", err)
	}
	if decoded.Code != CategoryNoCapableEngine {
		t.Fatalf("code = %q", decoded.Code)
	}
	if decoded.Detail == nil || decoded.Detail.Stage != StageAlign {
		t.Fatalf("detail not preserved: %+v", decoded.Detail)
	}
}
