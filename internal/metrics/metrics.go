package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_prompt_tokens_total",
		Help: "The total number of prompt tokens prefilled",
	})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_engine_batches_total",
		Help: "Batches processed by outcome",
	}, []string{"outcome"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_engine_batch_duration_seconds",
		Help:    "Wall-clock duration of a generate call",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_engine_batch_size",
		Help:    "Number of sequences per batch",
		Buckets: []float64{1, 2, 3, 4, 8, 16, 32, 64},
	})

	PrefillChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_engine_prefill_chunks_total",
		Help: "Prefill forward passes",
	})

	DecodeSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_engine_decode_steps_total",
		Help: "Decode forward passes",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarrel_engine_step_duration_seconds",
		Help:    "Duration of a single forward step",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_engine_errors_total",
		Help: "Failed batches by error class",
	}, []string{"kind"})

	TokenLogprob = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarrel_token_logprob",
		Help:    "Log-probability of scored tokens",
		Buckets: []float64{-20, -10, -5, -3, -2, -1, -0.5, -0.1, 0},
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 32768},
	})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_temperature",
		Help:    "Temperature values used for sampling",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 1.0, 1.5, 2.0},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_top_p",
		Help:    "Top-P values used for sampling",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	SamplingNucleusSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_nucleus_size",
		Help:    "Number of candidate tokens kept by nucleus truncation",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 1000, 10000},
	})

	// KV Cache Metrics

	KVCacheOverlap = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_overlap_total",
		Help: "Count of KV cache writes that overwrote an older position",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds accesses detected",
	})

	KVCacheSlidingWindow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_sliding_window_total",
		Help: "Count of sliding window KV cache operations",
	})

	KVCacheWindowSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kv_cache_window_size",
		Help:    "Rotating buffer window chosen per batch",
		Buckets: []float64{1, 16, 64, 256, 1024, 4096, 16384},
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	KVCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_hits_total",
		Help: "Total number of KV cache history reads",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_evictions_total",
		Help: "Total number of KV cache evictions",
	})

	// Tokenizer Metrics

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_length",
		Help:    "Length of encoded token sequences",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 4096},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenizer_byte_fallback_total",
		Help: "Bytes encoded through byte fallback pieces",
	})

	TokenizerDecodeTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_decode_time_seconds",
		Help:    "Time to decode token sequences",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
	})

	// Export Metrics

	ExportBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarrel_export_batches_total",
		Help: "Result batches exported over Arrow Flight by outcome",
	}, []string{"outcome"})

	ExportRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarrel_export_rows_total",
		Help: "Result rows exported over Arrow Flight",
	})
)

// RecordInference records generated tokens for one batch.
func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	BatchDuration.Observe(duration.Seconds())
}

// TotalTokens returns the number of tokens generated since start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordBatch(sequences, promptTokens int) {
	BatchSize.Observe(float64(sequences))
	PromptTokensTotal.Add(float64(promptTokens))
}

func RecordBatchOutcome(err error, kind string) {
	if err == nil {
		BatchesTotal.WithLabelValues("ok").Inc()
		return
	}
	BatchesTotal.WithLabelValues("error").Inc()
	EngineErrors.WithLabelValues(kind).Inc()
}

func RecordPrefillChunk(duration time.Duration) {
	PrefillChunks.Inc()
	StepDuration.WithLabelValues("prefill").Observe(duration.Seconds())
}

func RecordDecodeStep(duration time.Duration) {
	DecodeSteps.Inc()
	StepDuration.WithLabelValues("decode").Observe(duration.Seconds())
}

func RecordLogprob(lp float64) {
	TokenLogprob.Observe(lp)
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordSampling records the sampler settings for a batch.
func RecordSampling(temperature, topP float64) {
	SamplingTemperature.Observe(temperature)
	SamplingTopP.Observe(topP)
}

func RecordNucleus(size int) {
	SamplingNucleusSize.Observe(float64(size))
}

// RecordKVCacheSlidingWindow records one rotating buffer write.
func RecordKVCacheSlidingWindow(windowSize, position int, wrapped bool) {
	KVCacheSlidingWindow.Inc()
	if wrapped {
		KVCacheOverlap.Inc()
		KVCacheEvictions.Inc()
	}
}

// RecordKVCacheOutOfBounds records out-of-bounds KV cache access attempts
func RecordKVCacheOutOfBounds(position, windowSize int) {
	KVCacheOutOfBounds.Inc()
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordKVCacheWindow(window int) {
	KVCacheWindowSize.Observe(float64(window))
}

// RecordTokenizerEncode records tokenizer encoding metrics
func RecordTokenizerEncode(length int, fallbackBytes int) {
	TokenizerEncodeLength.Observe(float64(length))
	if fallbackBytes > 0 {
		TokenizerUnknownTokens.Add(float64(fallbackBytes))
	}
}

// RecordTokenizerDecode records tokenizer decoding metrics
func RecordTokenizerDecode(length int, decodeTime time.Duration) {
	TokenizerDecodeTime.Observe(decodeTime.Seconds())
}

func RecordExport(rows int, err error) {
	if err != nil {
		ExportBatches.WithLabelValues("error").Inc()
		return
	}
	ExportBatches.WithLabelValues("ok").Inc()
	ExportRows.Add(float64(rows))
}
