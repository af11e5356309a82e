package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-window/internal/arrow_client"
	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/tokenizer"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Generate completions for a batch of prompts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGenerate,
	}
	addGenerateFlags(cmd)
	cmd.Flags().Bool("instruct", false, "Wrap prompts in the instruction template")
	cmd.Flags().String("system", "", "System prompt for the instruction template (implies --instruct)")
	cmd.Flags().Bool("json", false, "Print results as JSON")
	cmd.Flags().String("trace", "", "Write a per-step trace of the batch to this file")
	cmd.Flags().String("metrics", "", "Address to serve Prometheus metrics while generating")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("metrics server error", "err", err)
			}
		}()
	}

	eng, err := loadEngine(cmd)
	if err != nil {
		return err
	}

	tracePath, _ := cmd.Flags().GetString("trace")
	var tracer *engine.Tracer
	if tracePath != "" {
		tracer = engine.NewTracer()
		eng.SetTracer(tracer)
	}

	prompts := args
	instruct, _ := cmd.Flags().GetBool("instruct")
	system, _ := cmd.Flags().GetString("system")
	if instruct || system != "" {
		prompts = make([]string, len(args))
		for i, a := range args {
			prompts[i] = tokenizer.FormatInstruction(system, a)
		}
	}

	batchID := uuid.NewString()
	opts := generateOptions(cmd)
	opts.BatchID = batchID
	start := time.Now()
	results, err := eng.Generate(ctx, prompts, opts)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if tracer != nil {
		if err := tracer.SaveToFile(tracePath); err != nil {
			return err
		}
		logger.Log.Info("trace written", "path", tracePath, "steps", len(tracer.Steps()))
	}

	if addr, _ := cmd.Flags().GetString("export-addr"); addr != "" {
		if err := export(cmd, addr, batchID, results); err != nil {
			return err
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			BatchID string          `json:"batch_id"`
			Results []engine.Result `json:"results"`
			Seconds float64         `json:"seconds"`
		}{batchID, results, elapsed.Seconds()})
	}

	out := cmd.OutOrStdout()
	for i, r := range results {
		var sum float64
		for _, lp := range r.Logprobs {
			sum += lp
		}
		fmt.Fprintf(out, "[%d] %s\n", i, r.Text)
		fmt.Fprintf(out, "    logprob sum %.4f over %d tokens\n", sum, len(r.Logprobs))
	}
	generated := len(results) * opts.MaxTokens
	fmt.Fprintf(out, "generated %d tokens in %.3fs (%.2f tok/s)\n", generated, elapsed.Seconds(), float64(generated)/elapsed.Seconds())
	return nil
}

func export(cmd *cobra.Command, addr, batchID string, results []engine.Result) error {
	client, err := arrow_client.NewFlightClient(addr)
	if err != nil {
		return err
	}
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Export(cmd.Context(), batchID, results); err != nil {
		return err
	}
	logger.Log.Info("exported batch", "batch_id", batchID, "addr", addr, "rows", len(results))
	return nil
}
