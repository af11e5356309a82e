package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-window/internal/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "quarrel "+version) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestGenerateJSON(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace.json")
	out, err := execute(t, "generate", "--json", "--max-tokens", "3", "--temperature", "0",
		"--trace", trace, "This is a test", "This is another test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var resp struct {
		BatchID string          `json:"batch_id"`
		Results []engine.Result `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if resp.BatchID == "" {
		t.Error("expected a batch id")
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	for i, r := range resp.Results {
		if len(r.Tokens) != 3 {
			t.Errorf("result %d: expected 3 tokens, got %d", i, len(r.Tokens))
		}
		if want := len(r.PromptTokens) - 1 + 3; len(r.Logprobs) != want {
			t.Errorf("result %d: expected %d logprobs, got %d", i, want, len(r.Logprobs))
		}
	}

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("expected trace file: %v", err)
	}
	var steps []engine.StepLog
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("expected traced steps")
	}
	for _, s := range steps {
		if s.BatchID != resp.BatchID {
			t.Errorf("trace step tagged %q, output batch is %q", s.BatchID, resp.BatchID)
		}
	}
}

func TestGenerateText(t *testing.T) {
	out, err := execute(t, "generate", "--max-tokens", "2", "--system", "Be brief.", "This is a test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "[0] [INST] <<SYS>>Be brief.<</SYS>>This is a test [/INST]") {
		t.Errorf("expected instruction prompt in output, got %q", out)
	}
	if !strings.Contains(out, "generated 2 tokens") {
		t.Errorf("expected summary line, got %q", out)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no prompts", []string{"generate"}},
		{"invalid temperature", []string{"generate", "--temperature", "-1", "hi"}},
		{"missing vocabulary", []string{"--vocab", "/nonexistent/vocab.txt", "generate", "hi"}},
		{"missing params", []string{"--params", "/nonexistent/params.json", "generate", "hi"}},
		{"chunk larger than window", []string{"generate", "--chunk-size", "1000", "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
