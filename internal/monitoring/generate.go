package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/tokenizer"
)

// Exporter receives every successful batch. It matches arrow_client.Exporter.
type Exporter interface {
	Export(ctx context.Context, batchID string, results []engine.Result) error
}

// SetExporter ships every successful batch to exp. Export failures raise an
// alert but do not fail the request.
func (hm *HealthMonitor) SetExporter(exp Exporter) {
	hm.exporter = exp
}

// GenerateRequest is the body of POST /v1/generate. Omitted options fall back
// to the monitor defaults.
type GenerateRequest struct {
	Prompts     []string `json:"prompts"`
	Instruct    bool     `json:"instruct,omitempty"`
	System      string   `json:"system,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	ChunkSize   *int     `json:"chunk_size,omitempty"`
	Seed        *uint64  `json:"seed,omitempty"`
}

type GenerateResult struct {
	Text       string    `json:"text"`
	Completion string    `json:"completion"`
	Tokens     []int     `json:"tokens"`
	Logprobs   []float64 `json:"logprobs"`
}

type GenerateResponse struct {
	BatchID    string           `json:"batch_id"`
	Results    []GenerateResult `json:"results"`
	DurationMs float64          `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (hm *HealthMonitor) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hm.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no model loaded", Kind: "unavailable"})
		return
	}

	var req GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "request"})
		return
	}

	opts := hm.defaults
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		opts.TopP = *req.TopP
	}
	if req.ChunkSize != nil {
		opts.ChunkSize = *req.ChunkSize
	}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}

	prompts := req.Prompts
	if req.Instruct || req.System != "" {
		prompts = instruct(req.System, req.Prompts)
	}

	opts.BatchID = uuid.NewString()
	start := time.Now()
	results, err := hm.engine.Generate(r.Context(), prompts, opts)
	dur := time.Since(start)
	hm.RecordBatch(len(prompts)*max(opts.MaxTokens, 0), dur, err)
	if err != nil {
		code, kind := statusFor(err)
		hm.log.Warn("generate failed", "batch_id", opts.BatchID, "err", err, "kind", kind)
		writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind})
		return
	}

	resp := GenerateResponse{
		BatchID:    opts.BatchID,
		Results:    make([]GenerateResult, len(results)),
		DurationMs: float64(dur.Microseconds()) / 1000,
	}
	for i, res := range results {
		resp.Results[i] = GenerateResult{
			Text:       res.Text,
			Completion: res.Completion,
			Tokens:     res.Tokens,
			Logprobs:   res.Logprobs,
		}
	}

	if hm.exporter != nil {
		if err := hm.exporter.Export(r.Context(), resp.BatchID, results); err != nil {
			hm.AddAlert("warning", "export", err.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrPrecondition):
		return http.StatusBadRequest, "precondition"
	case errors.Is(err, engine.ErrConfiguration):
		return http.StatusUnprocessableEntity, "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "collaborator"
	}
}

func instruct(system string, prompts []string) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = tokenizer.FormatInstruction(system, p)
	}
	return out
}
