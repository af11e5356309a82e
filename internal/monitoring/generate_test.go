package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/23skdu/longbow-window/internal/arrow_client"
	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/engine"
)

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(body))
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	hm := newTestMonitor(t)
	hm.SetDefaults(config.Generate{MaxTokens: 3, Temperature: 0, TopP: 0.8, Seed: 1})
	exp := arrow_client.NewMockFlightClient()
	exp.Connect(t.Context())
	hm.SetExporter(exp)
	tr := engine.NewTracer()
	hm.engine.SetTracer(tr)
	h := hm.Handler()

	rec := post(t, h, `{"prompts": ["This is a test", "This is another test"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp GenerateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	for i, r := range resp.Results {
		if len(r.Tokens) != 3 {
			t.Errorf("result %d: expected 3 tokens, got %d", i, len(r.Tokens))
		}
		if !strings.HasPrefix(r.Text, "This is") {
			t.Errorf("result %d: unexpected text %q", i, r.Text)
		}
	}

	rows := exp.Rows(resp.BatchID)
	if len(rows) != 2 || rows[1].Completion != resp.Results[1].Completion {
		t.Errorf("exported rows do not match response: %+v", rows)
	}
	for _, s := range tr.Steps() {
		if s.BatchID != resp.BatchID {
			t.Fatalf("engine step tagged %q, response batch is %q", s.BatchID, resp.BatchID)
		}
	}

	// greedy requests are reproducible
	again := post(t, h, `{"prompts": ["This is a test", "This is another test"]}`)
	var resp2 GenerateResponse
	json.NewDecoder(again.Body).Decode(&resp2)
	if resp2.Results[0].Text != resp.Results[0].Text {
		t.Errorf("expected identical greedy output, got %q and %q", resp.Results[0].Text, resp2.Results[0].Text)
	}
}

func TestGenerateEndpointOverrides(t *testing.T) {
	hm := newTestMonitor(t)
	h := hm.Handler()

	rec := post(t, h, `{"prompts": ["hi"], "max_tokens": 0, "temperature": 0, "instruct": true, "system": "be brief"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp GenerateResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Results) != 1 || len(resp.Results[0].Tokens) != 0 {
		t.Fatalf("unexpected results %+v", resp.Results)
	}
	if want := "[INST] <<SYS>>be brief<</SYS>>hi [/INST] "; resp.Results[0].Text != want {
		t.Errorf("expected %q, got %q", want, resp.Results[0].Text)
	}
}

func TestGenerateEndpointErrors(t *testing.T) {
	hm := newTestMonitor(t)
	h := hm.Handler()

	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"malformed json", `{"prompts": [`, http.StatusBadRequest, "request"},
		{"unknown field", `{"prompt": "hi"}`, http.StatusBadRequest, "request"},
		{"no prompts", `{"prompts": []}`, http.StatusBadRequest, "precondition"},
		{"empty prompt", `{"prompts": [""]}`, http.StatusBadRequest, "precondition"},
		{"too many prompts", `{"prompts": ["a", "b", "c", "d"]}`, http.StatusBadRequest, "precondition"},
		{"invalid top_p", `{"prompts": ["a"], "top_p": 2}`, http.StatusUnprocessableEntity, "configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body)
			}
			var e errorResponse
			json.NewDecoder(rec.Body).Decode(&e)
			if e.Kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, e.Kind)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}

	empty := NewHealthMonitor(nil, "test").Handler()
	if rec := post(t, empty, `{"prompts": ["a"]}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without an engine, got %d", rec.Code)
	}
}
