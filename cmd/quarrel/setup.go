package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/model"
	"github.com/23skdu/longbow-window/internal/tokenizer"
)

func setupLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	logger.SetupWriter(cmd.ErrOrStderr(), level, format)
}

// loadEngine builds the tokenizer, the reference model and the engine from
// the persistent flags.
func loadEngine(cmd *cobra.Command) (*engine.Engine, error) {
	paramsPath, _ := cmd.Flags().GetString("params")
	vocabPath, _ := cmd.Flags().GetString("vocab")
	seed, _ := cmd.Flags().GetUint64("model-seed")

	tok := tokenizer.Default()
	if vocabPath != "" {
		t, err := tokenizer.LoadFile(vocabPath)
		if err != nil {
			return nil, err
		}
		tok = t
		logger.Log.Info("loaded vocabulary", "path", vocabPath, "pieces", tok.VocabSize())
	}

	params := model.SmallParams(tok.VocabSize())
	if paramsPath != "" {
		p, err := config.LoadParams(paramsPath)
		if err != nil {
			return nil, err
		}
		if p.VocabSize != tok.VocabSize() {
			logger.Log.Warn("params vocab_size does not match the vocabulary, using the vocabulary",
				"params_vocab_size", p.VocabSize, "vocab_size", tok.VocabSize())
			p.VocabSize = tok.VocabSize()
		}
		params = p
	}

	m, err := model.NewReference(params, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	logger.Log.Info("model ready",
		"architecture", params.GetArchitecture(),
		"layers", params.Layers,
		"dim", params.Dim,
		"sliding_window", params.SlidingWindow,
		"max_batch_size", params.MaxBatchSize)

	return engine.New(m, tok)
}

// addGenerateFlags registers the sampling options shared by generate and
// serve. For serve they become the defaults of every request.
func addGenerateFlags(cmd *cobra.Command) {
	d := config.DefaultGenerate()
	cmd.Flags().Int("max-tokens", d.MaxTokens, "Number of tokens to generate per prompt")
	cmd.Flags().Float64("temperature", d.Temperature, "Sampling temperature, 0 for greedy decoding")
	cmd.Flags().Float64("top-p", d.TopP, "Nucleus sampling mass")
	cmd.Flags().Int("chunk-size", d.ChunkSize, "Prefill chunk size, 0 for the longest prompt")
	cmd.Flags().Uint64("seed", d.Seed, "Sampling seed, 0 for a random seed")
	cmd.Flags().String("export-addr", "", "Arrow Flight address to export results to")
}

func generateOptions(cmd *cobra.Command) config.Generate {
	var opts config.Generate
	opts.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	opts.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	opts.TopP, _ = cmd.Flags().GetFloat64("top-p")
	opts.ChunkSize, _ = cmd.Flags().GetInt("chunk-size")
	opts.Seed, _ = cmd.Flags().GetUint64("seed")
	return opts
}
