// Package config loads the engine configuration from a single
// environment-variable namespace, optionally overlaid by the line-oriented
// config/api_keys.env file under the data root.
//
// Recognised keys are enumerated in code. Unknown keys in the env file are
// ignored with a warning; invalid enum values fall back to their defaults
// with a warning. The loaded Config is an immutable snapshot: hot reload is
// done by swapping an atomic pointer at the engine level, so in-flight
// requests keep the snapshot they started with.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Mode selects the behaviour profile of the engine. It drives the default
// values of the roleplay sub-switches; explicit env values override.
type Mode string

const (
	ModeRoleplay      Mode = "roleplay"
	ModeGeneral       Mode = "general"
	ModeKnowledgeBase Mode = "knowledge_base"
)

// EmbeddingMode selects how embeddings are produced.
type EmbeddingMode string

const (
	EmbeddingAuto  EmbeddingMode = "auto"
	EmbeddingLite  EmbeddingMode = "lite"
	EmbeddingLocal EmbeddingMode = "local"
	EmbeddingCloud EmbeddingMode = "cloud"
)

// GraphBackend selects the knowledge-graph persistence driver.
type GraphBackend string

const (
	GraphBackendFile     GraphBackend = "file"
	GraphBackendEmbedded GraphBackend = "embedded"
)

// Config is the immutable configuration snapshot for one engine instance.
type Config struct {
	DataRoot string

	// Mode and roleplay sub-switches. The *Set fields record whether an
	// explicit env value was present, which wins over the mode default.
	Mode                      Mode
	ForeshadowingEnabled      bool
	CharacterDimensionEnabled bool
	RPConsistencyEnabled      bool
	RPRelationTypes           bool
	RPContextTypes            bool

	// Embedding backend.
	EmbeddingAPIKey     string
	EmbeddingAPIBase    string
	EmbeddingModel      string
	EmbeddingDimension  int
	EmbeddingRateLimit  int           // requests per window
	EmbeddingRateWindow time.Duration // sliding window length
	EmbeddingMode       EmbeddingMode
	EmbeddingCacheSize  int // LRU entries kept in memory

	// LLM backend.
	LLMAPIKey            string
	LLMAPIBase           string
	LLMModel             string
	LLMTimeout           time.Duration
	LLMMaxRetries        int
	AnalyzerMaxTokens    int
	DedupMaxTokens       int
	ForeshadowMaxTokens  int
	FilterMaxTokens      int
	ContradictMaxTokens  int
	BudgetHourlyLimit    int // LLM calls per rolling hour, 0 = unlimited
	BudgetDailyLimit     int
	BudgetReserve        int // calls held back for user-facing requests

	// Knowledge graph.
	GraphBackend       GraphBackend
	TemporalDecayRate  float64
	TemporalMaxHistory int

	// Layered store.
	L2Capacity     int
	BatchSize      int // L2 -> L1 consolidation batch
	ShardCapacity  int // memories per L1 shard
	VolumeMaxBytes int64

	// Retrieval funnel. One enable flag and budget per stage.
	StageBloomEnabled     bool
	StageTemporalEnabled  bool
	StageTemporalTopK     int
	StageInvertedEnabled  bool
	StageInvertedTopK     int
	StageEntityEnabled    bool
	StageEntityTopK       int
	StageGraphEnabled     bool
	StageGraphTopK        int
	StageGraphDepth       int
	StageNgramEnabled     bool
	StageNgramTopK        int
	StageVectorEnabled    bool
	StageVectorTopK       int
	StageFineRankEnabled  bool
	FineRankThreshold     int
	StageCrossEnabled     bool
	StageCrossTopK        int
	StageLLMFilterEnabled bool
	StageLLMFilterTopK    int

	TripleRecallEnabled bool
	TripleRecallRRFK    int
	FinalTopK           int
	WeightVector        float64
	WeightKeyword       float64
	WeightEntity        float64
	WeightRecency       float64

	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
	VectorFlatMax      int // corpus size at which flat search hands over to HNSW

	FallbackEnabled  bool
	FallbackParallel bool
	FallbackWorkers  int
	FallbackTopK     int

	// Full-text BM25.
	BM25K1 float64
	BM25B  float64

	// Deduplication.
	DedupJaccardThreshold float64
	DedupSemHiThreshold   float64
	DedupSemLoThreshold   float64
	DedupLLMEnabled       bool

	// Foreshadowing tracker.
	ForeshadowTriggerInterval int
	ForeshadowMaxContextTurns int
	ForeshadowMaxReturn       int
	ForeshadowAutoPlant       bool
	ForeshadowAutoResolve     bool
	ForeshadowDedupThreshold  float64

	// Persistent-context tracker.
	ContextMaxPerType    int
	ContextMaxTotal      int
	ContextDecayDays     int
	ContextMinConfidence float64

	// Context builder.
	BuildContextMaxTokens int
	IncludeRecent         int
	ReminderTurns         int
	ReminderImportance    float64

	// Warnings accumulated while loading (unknown keys, invalid enums).
	Warnings []string
}

// recognisedKeys is the closed set of configuration keys. Keys found in the
// env file outside this set produce a warning and are ignored.
var recognisedKeys = map[string]struct{}{}

func key(name string) string {
	recognisedKeys[name] = struct{}{}
	return name
}

// The full key namespace. Declared once so the recognised set and the load
// logic cannot drift apart.
var (
	keyMode            = key("RECALL_MODE")
	keyForeshadowing   = key("FORESHADOWING_ENABLED")
	keyCharacterDim    = key("CHARACTER_DIMENSION_ENABLED")
	keyRPConsistency   = key("RP_CONSISTENCY_ENABLED")
	keyRPRelationTypes = key("RP_RELATION_TYPES")
	keyRPContextTypes  = key("RP_CONTEXT_TYPES")

	keyEmbAPIKey     = key("EMBEDDING_API_KEY")
	keyEmbAPIBase    = key("EMBEDDING_API_BASE")
	keyEmbModel      = key("EMBEDDING_MODEL")
	keyEmbDimension  = key("EMBEDDING_DIMENSION")
	keyEmbRateLimit  = key("EMBEDDING_RATE_LIMIT")
	keyEmbRateWindow = key("EMBEDDING_RATE_WINDOW")
	keyEmbMode       = key("RECALL_EMBEDDING_MODE")
	keyEmbCacheSize  = key("EMBEDDING_CACHE_SIZE")

	keyLLMAPIKey           = key("LLM_API_KEY")
	keyLLMAPIBase          = key("LLM_API_BASE")
	keyLLMModel            = key("LLM_MODEL")
	keyLLMTimeout          = key("LLM_TIMEOUT")
	keyLLMMaxRetries       = key("LLM_MAX_RETRIES")
	keyAnalyzerMaxTokens   = key("ANALYZER_MAX_TOKENS")
	keyDedupMaxTokens      = key("DEDUP_MAX_TOKENS")
	keyForeshadowMaxTokens = key("FORESHADOWING_MAX_TOKENS")
	keyFilterMaxTokens     = key("FILTER_MAX_TOKENS")
	keyContradictMaxTokens = key("CONTRADICTION_MAX_TOKENS")
	keyBudgetHourly        = key("BUDGET_HOURLY_LIMIT")
	keyBudgetDaily         = key("BUDGET_DAILY_LIMIT")
	keyBudgetReserve       = key("BUDGET_RESERVE")

	keyGraphBackend    = key("TEMPORAL_GRAPH_BACKEND")
	keyTemporalDecay   = key("TEMPORAL_DECAY_RATE")
	keyTemporalHistory = key("TEMPORAL_MAX_HISTORY")

	keyL2Capacity     = key("L2_CAPACITY")
	keyBatchSize      = key("CONSOLIDATION_BATCH_SIZE")
	keyShardCapacity  = key("L1_SHARD_CAPACITY")
	keyVolumeMaxBytes = key("VOLUME_MAX_BYTES")

	keyStageBloom        = key("STAGE_BLOOM_ENABLED")
	keyStageTemporal     = key("STAGE_TEMPORAL_ENABLED")
	keyStageTemporalTopK = key("STAGE_TEMPORAL_TOP_K")
	keyStageInverted     = key("STAGE_INVERTED_ENABLED")
	keyStageInvertedTopK = key("STAGE_INVERTED_TOP_K")
	keyStageEntity       = key("STAGE_ENTITY_ENABLED")
	keyStageEntityTopK   = key("STAGE_ENTITY_TOP_K")
	keyStageGraph        = key("STAGE_GRAPH_ENABLED")
	keyStageGraphTopK    = key("STAGE_GRAPH_TOP_K")
	keyStageGraphDepth   = key("STAGE_GRAPH_DEPTH")
	keyStageNgram        = key("STAGE_NGRAM_ENABLED")
	keyStageNgramTopK    = key("STAGE_NGRAM_TOP_K")
	keyStageVector       = key("STAGE_VECTOR_ENABLED")
	keyStageVectorTopK   = key("STAGE_VECTOR_TOP_K")
	keyStageFineRank     = key("STAGE_FINE_RANK_ENABLED")
	keyFineRankThreshold = key("FINE_RANK_THRESHOLD")
	keyStageCross        = key("STAGE_CROSS_ENCODER_ENABLED")
	keyStageCrossTopK    = key("STAGE_CROSS_ENCODER_TOP_K")
	keyStageLLMFilter    = key("STAGE_LLM_FILTER_ENABLED")
	keyStageLLMFilterK   = key("STAGE_LLM_FILTER_TOP_K")

	keyTripleRecall     = key("TRIPLE_RECALL_ENABLED")
	keyTripleRecallRRFK = key("TRIPLE_RECALL_RRF_K")
	keyFinalTopK        = key("FINAL_TOP_K")
	keyWeightVector     = key("RANK_WEIGHT_VECTOR")
	keyWeightKeyword    = key("RANK_WEIGHT_KEYWORD")
	keyWeightEntity     = key("RANK_WEIGHT_ENTITY")
	keyWeightRecency    = key("RANK_WEIGHT_RECENCY")

	keyHNSWM      = key("HNSW_M")
	keyHNSWEfCons = key("HNSW_EF_CONSTRUCTION")
	keyHNSWEfSrch = key("HNSW_EF_SEARCH")
	keyVectorFlat = key("VECTOR_FLAT_MAX")

	keyFallbackEnabled  = key("FALLBACK_ENABLED")
	keyFallbackParallel = key("FALLBACK_PARALLEL")
	keyFallbackWorkers  = key("FALLBACK_WORKERS")
	keyFallbackTopK     = key("FALLBACK_TOP_K")

	keyBM25K1 = key("BM25_K1")
	keyBM25B  = key("BM25_B")

	keyDedupJaccard = key("DEDUP_JACCARD_THRESHOLD")
	keyDedupSemHi   = key("DEDUP_SEMANTIC_HI_THRESHOLD")
	keyDedupSemLo   = key("DEDUP_SEMANTIC_LO_THRESHOLD")
	keyDedupLLM     = key("DEDUP_LLM_ENABLED")

	keyFSTriggerInterval = key("FORESHADOWING_TRIGGER_INTERVAL")
	keyFSMaxContextTurns = key("FORESHADOWING_MAX_CONTEXT_TURNS")
	keyFSMaxReturn       = key("FORESHADOWING_MAX_RETURN")
	keyFSAutoPlant       = key("FORESHADOWING_AUTO_PLANT")
	keyFSAutoResolve     = key("FORESHADOWING_AUTO_RESOLVE")
	keyFSDedupThreshold  = key("FORESHADOWING_DEDUP_THRESHOLD")

	keyCtxMaxPerType = key("CONTEXT_MAX_PER_TYPE")
	keyCtxMaxTotal   = key("CONTEXT_MAX_TOTAL")
	keyCtxDecayDays  = key("CONTEXT_DECAY_DAYS")
	keyCtxMinConf    = key("CONTEXT_MIN_CONFIDENCE")

	keyBuildMaxTokens     = key("BUILD_CONTEXT_MAX_TOKENS")
	keyIncludeRecent      = key("INCLUDE_RECENT")
	keyReminderTurns      = key("REMINDER_TURNS")
	keyReminderImportance = key("REMINDER_IMPORTANCE")
)

// Default returns the configuration used when no environment is present.
func Default(dataRoot string) *Config {
	return &Config{
		DataRoot: dataRoot,
		Mode:     ModeGeneral,

		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimension:  256,
		EmbeddingRateLimit:  60,
		EmbeddingRateWindow: time.Minute,
		EmbeddingMode:       EmbeddingAuto,
		EmbeddingCacheSize:  4096,

		LLMModel:            "gpt-4o-mini",
		LLMTimeout:          30 * time.Second,
		LLMMaxRetries:       3,
		AnalyzerMaxTokens:   1024,
		DedupMaxTokens:      256,
		ForeshadowMaxTokens: 1024,
		FilterMaxTokens:     512,
		ContradictMaxTokens: 512,

		GraphBackend:       GraphBackendFile,
		TemporalDecayRate:  0.01,
		TemporalMaxHistory: 10000,

		L2Capacity:     200,
		BatchSize:      50,
		ShardCapacity:  1000,
		VolumeMaxBytes: 50 << 20,

		StageBloomEnabled:     true,
		StageTemporalEnabled:  true,
		StageTemporalTopK:     500,
		StageInvertedEnabled:  true,
		StageInvertedTopK:     100,
		StageEntityEnabled:    true,
		StageEntityTopK:       50,
		StageGraphEnabled:     true,
		StageGraphTopK:        100,
		StageGraphDepth:       2,
		StageNgramEnabled:     true,
		StageNgramTopK:        30,
		StageVectorEnabled:    true,
		StageVectorTopK:       200,
		StageFineRankEnabled:  true,
		FineRankThreshold:     100,
		StageCrossEnabled:     false,
		StageCrossTopK:        50,
		StageLLMFilterEnabled: false,
		StageLLMFilterTopK:    20,

		TripleRecallEnabled: true,
		TripleRecallRRFK:    60,
		FinalTopK:           20,
		WeightVector:        0.4,
		WeightKeyword:       0.3,
		WeightEntity:        0.2,
		WeightRecency:       0.1,

		HNSWM:              16,
		HNSWEfConstruction: 200,
		HNSWEfSearch:       64,
		VectorFlatMax:      500_000,

		FallbackEnabled:  true,
		FallbackParallel: true,
		FallbackWorkers:  4,
		FallbackTopK:     50,

		BM25K1: 1.2,
		BM25B:  0.75,

		DedupJaccardThreshold: 0.85,
		DedupSemHiThreshold:   0.90,
		DedupSemLoThreshold:   0.80,
		DedupLLMEnabled:       false,

		ForeshadowTriggerInterval: 10,
		ForeshadowMaxContextTurns: 20,
		ForeshadowMaxReturn:       5,
		ForeshadowDedupThreshold:  0.85,

		ContextMaxPerType:    5,
		ContextMaxTotal:      30,
		ContextDecayDays:     30,
		ContextMinConfidence: 0.2,

		BuildContextMaxTokens: 4096,
		IncludeRecent:         10,
		ReminderTurns:         20,
		ReminderImportance:    0.7,
	}
}

// Load builds a Config from the process environment and the optional
// config/api_keys.env file under dataRoot. The file never overrides an
// explicitly set process env variable.
func Load(dataRoot string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default(dataRoot)

	v := viper.New()
	v.AutomaticEnv()

	envFile := filepath.Join(dataRoot, "config", "api_keys.env")
	if _, err := os.Stat(envFile); err == nil {
		fv := viper.New()
		fv.SetConfigFile(envFile)
		fv.SetConfigType("env")
		if err := fv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", envFile, err)
		}
		for _, k := range fv.AllKeys() {
			upper := strings.ToUpper(k)
			if _, ok := recognisedKeys[upper]; !ok {
				cfg.warnf(logger, "unknown config key %q ignored", upper)
				continue
			}
			if os.Getenv(upper) == "" {
				v.Set(upper, fv.Get(k))
			}
		}
	}

	cfg.apply(v, logger)
	return cfg, nil
}

func (c *Config) warnf(logger *zap.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	logger.Warn(msg)
}

// isSet reports whether the key has an explicit value from either the
// process env or the env file overlay.
func isSet(v *viper.Viper, name string) bool {
	if v.IsSet(name) && v.GetString(name) != "" {
		return true
	}
	return os.Getenv(name) != ""
}

func (c *Config) apply(v *viper.Viper, logger *zap.Logger) {
	// Mode first: sub-switch defaults derive from it.
	if isSet(v, keyMode) {
		switch Mode(strings.ToLower(v.GetString(keyMode))) {
		case ModeRoleplay:
			c.Mode = ModeRoleplay
		case ModeGeneral:
			c.Mode = ModeGeneral
		case ModeKnowledgeBase:
			c.Mode = ModeKnowledgeBase
		default:
			c.warnf(logger, "invalid %s=%q, using %q", keyMode, v.GetString(keyMode), c.Mode)
		}
	}

	roleplay := c.Mode == ModeRoleplay
	c.ForeshadowingEnabled = roleplay
	c.CharacterDimensionEnabled = roleplay
	c.RPConsistencyEnabled = roleplay
	c.RPRelationTypes = roleplay
	c.RPContextTypes = roleplay
	c.ForeshadowAutoPlant = roleplay

	// Explicit sub-switch values win over the mode default.
	boolKey(v, keyForeshadowing, &c.ForeshadowingEnabled)
	boolKey(v, keyCharacterDim, &c.CharacterDimensionEnabled)
	boolKey(v, keyRPConsistency, &c.RPConsistencyEnabled)
	boolKey(v, keyRPRelationTypes, &c.RPRelationTypes)
	boolKey(v, keyRPContextTypes, &c.RPContextTypes)

	stringKey(v, keyEmbAPIKey, &c.EmbeddingAPIKey)
	stringKey(v, keyEmbAPIBase, &c.EmbeddingAPIBase)
	stringKey(v, keyEmbModel, &c.EmbeddingModel)
	intKey(v, keyEmbDimension, &c.EmbeddingDimension)
	intKey(v, keyEmbRateLimit, &c.EmbeddingRateLimit)
	durationKey(v, keyEmbRateWindow, &c.EmbeddingRateWindow)
	intKey(v, keyEmbCacheSize, &c.EmbeddingCacheSize)
	if isSet(v, keyEmbMode) {
		switch EmbeddingMode(strings.ToLower(v.GetString(keyEmbMode))) {
		case EmbeddingAuto, EmbeddingLite, EmbeddingLocal, EmbeddingCloud:
			c.EmbeddingMode = EmbeddingMode(strings.ToLower(v.GetString(keyEmbMode)))
		default:
			c.warnf(logger, "invalid %s=%q, using %q", keyEmbMode, v.GetString(keyEmbMode), c.EmbeddingMode)
		}
	}

	stringKey(v, keyLLMAPIKey, &c.LLMAPIKey)
	stringKey(v, keyLLMAPIBase, &c.LLMAPIBase)
	stringKey(v, keyLLMModel, &c.LLMModel)
	durationKey(v, keyLLMTimeout, &c.LLMTimeout)
	intKey(v, keyLLMMaxRetries, &c.LLMMaxRetries)
	intKey(v, keyAnalyzerMaxTokens, &c.AnalyzerMaxTokens)
	intKey(v, keyDedupMaxTokens, &c.DedupMaxTokens)
	intKey(v, keyForeshadowMaxTokens, &c.ForeshadowMaxTokens)
	intKey(v, keyFilterMaxTokens, &c.FilterMaxTokens)
	intKey(v, keyContradictMaxTokens, &c.ContradictMaxTokens)
	intKey(v, keyBudgetHourly, &c.BudgetHourlyLimit)
	intKey(v, keyBudgetDaily, &c.BudgetDailyLimit)
	intKey(v, keyBudgetReserve, &c.BudgetReserve)

	if isSet(v, keyGraphBackend) {
		switch GraphBackend(strings.ToLower(v.GetString(keyGraphBackend))) {
		case GraphBackendFile, GraphBackendEmbedded:
			c.GraphBackend = GraphBackend(strings.ToLower(v.GetString(keyGraphBackend)))
		default:
			c.warnf(logger, "invalid %s=%q, using %q", keyGraphBackend, v.GetString(keyGraphBackend), c.GraphBackend)
		}
	}
	floatKey(v, keyTemporalDecay, &c.TemporalDecayRate)
	intKey(v, keyTemporalHistory, &c.TemporalMaxHistory)

	intKey(v, keyL2Capacity, &c.L2Capacity)
	intKey(v, keyBatchSize, &c.BatchSize)
	intKey(v, keyShardCapacity, &c.ShardCapacity)
	int64Key(v, keyVolumeMaxBytes, &c.VolumeMaxBytes)

	boolKey(v, keyStageBloom, &c.StageBloomEnabled)
	boolKey(v, keyStageTemporal, &c.StageTemporalEnabled)
	intKey(v, keyStageTemporalTopK, &c.StageTemporalTopK)
	boolKey(v, keyStageInverted, &c.StageInvertedEnabled)
	intKey(v, keyStageInvertedTopK, &c.StageInvertedTopK)
	boolKey(v, keyStageEntity, &c.StageEntityEnabled)
	intKey(v, keyStageEntityTopK, &c.StageEntityTopK)
	boolKey(v, keyStageGraph, &c.StageGraphEnabled)
	intKey(v, keyStageGraphTopK, &c.StageGraphTopK)
	intKey(v, keyStageGraphDepth, &c.StageGraphDepth)
	boolKey(v, keyStageNgram, &c.StageNgramEnabled)
	intKey(v, keyStageNgramTopK, &c.StageNgramTopK)
	boolKey(v, keyStageVector, &c.StageVectorEnabled)
	intKey(v, keyStageVectorTopK, &c.StageVectorTopK)
	boolKey(v, keyStageFineRank, &c.StageFineRankEnabled)
	intKey(v, keyFineRankThreshold, &c.FineRankThreshold)
	boolKey(v, keyStageCross, &c.StageCrossEnabled)
	intKey(v, keyStageCrossTopK, &c.StageCrossTopK)
	boolKey(v, keyStageLLMFilter, &c.StageLLMFilterEnabled)
	intKey(v, keyStageLLMFilterK, &c.StageLLMFilterTopK)

	boolKey(v, keyTripleRecall, &c.TripleRecallEnabled)
	intKey(v, keyTripleRecallRRFK, &c.TripleRecallRRFK)
	intKey(v, keyFinalTopK, &c.FinalTopK)
	floatKey(v, keyWeightVector, &c.WeightVector)
	floatKey(v, keyWeightKeyword, &c.WeightKeyword)
	floatKey(v, keyWeightEntity, &c.WeightEntity)
	floatKey(v, keyWeightRecency, &c.WeightRecency)

	intKey(v, keyHNSWM, &c.HNSWM)
	intKey(v, keyHNSWEfCons, &c.HNSWEfConstruction)
	intKey(v, keyHNSWEfSrch, &c.HNSWEfSearch)
	intKey(v, keyVectorFlat, &c.VectorFlatMax)

	boolKey(v, keyFallbackEnabled, &c.FallbackEnabled)
	boolKey(v, keyFallbackParallel, &c.FallbackParallel)
	intKey(v, keyFallbackWorkers, &c.FallbackWorkers)
	intKey(v, keyFallbackTopK, &c.FallbackTopK)

	floatKey(v, keyBM25K1, &c.BM25K1)
	floatKey(v, keyBM25B, &c.BM25B)

	floatKey(v, keyDedupJaccard, &c.DedupJaccardThreshold)
	floatKey(v, keyDedupSemHi, &c.DedupSemHiThreshold)
	floatKey(v, keyDedupSemLo, &c.DedupSemLoThreshold)
	boolKey(v, keyDedupLLM, &c.DedupLLMEnabled)

	intKey(v, keyFSTriggerInterval, &c.ForeshadowTriggerInterval)
	intKey(v, keyFSMaxContextTurns, &c.ForeshadowMaxContextTurns)
	intKey(v, keyFSMaxReturn, &c.ForeshadowMaxReturn)
	boolKey(v, keyFSAutoPlant, &c.ForeshadowAutoPlant)
	boolKey(v, keyFSAutoResolve, &c.ForeshadowAutoResolve)
	floatKey(v, keyFSDedupThreshold, &c.ForeshadowDedupThreshold)

	intKey(v, keyCtxMaxPerType, &c.ContextMaxPerType)
	intKey(v, keyCtxMaxTotal, &c.ContextMaxTotal)
	intKey(v, keyCtxDecayDays, &c.ContextDecayDays)
	floatKey(v, keyCtxMinConf, &c.ContextMinConfidence)

	intKey(v, keyBuildMaxTokens, &c.BuildContextMaxTokens)
	intKey(v, keyIncludeRecent, &c.IncludeRecent)
	intKey(v, keyReminderTurns, &c.ReminderTurns)
	floatKey(v, keyReminderImportance, &c.ReminderImportance)
}

func boolKey(v *viper.Viper, name string, dst *bool) {
	if isSet(v, name) {
		*dst = v.GetBool(name)
	}
}

func stringKey(v *viper.Viper, name string, dst *string) {
	if isSet(v, name) {
		*dst = v.GetString(name)
	}
}

func intKey(v *viper.Viper, name string, dst *int) {
	if isSet(v, name) {
		*dst = v.GetInt(name)
	}
}

func int64Key(v *viper.Viper, name string, dst *int64) {
	if isSet(v, name) {
		*dst = v.GetInt64(name)
	}
}

func floatKey(v *viper.Viper, name string, dst *float64) {
	if isSet(v, name) {
		*dst = v.GetFloat64(name)
	}
}

func durationKey(v *viper.Viper, name string, dst *time.Duration) {
	if !isSet(v, name) {
		return
	}
	if d := v.GetDuration(name); d > 0 {
		// Bare integers parse as nanoseconds via GetDuration; treat small
		// values as seconds, which is how the env surface documents them.
		if d < time.Millisecond {
			d = time.Duration(d.Nanoseconds()) * time.Second
		}
		*dst = d
	}
}

// ModeReport is the effective mode plus every derived or overridden
// sub-switch, served by the engine's mode endpoint.
type ModeReport struct {
	Mode                      Mode `json:"mode"`
	ForeshadowingEnabled      bool `json:"foreshadowing_enabled"`
	CharacterDimensionEnabled bool `json:"character_dimension_enabled"`
	RPConsistencyEnabled      bool `json:"rp_consistency_enabled"`
	RPRelationTypes           bool `json:"rp_relation_types"`
	RPContextTypes            bool `json:"rp_context_types"`
}

// ModeReport returns the effective mode switches.
func (c *Config) ModeReport() ModeReport {
	return ModeReport{
		Mode:                      c.Mode,
		ForeshadowingEnabled:      c.ForeshadowingEnabled,
		CharacterDimensionEnabled: c.CharacterDimensionEnabled,
		RPConsistencyEnabled:      c.RPConsistencyEnabled,
		RPRelationTypes:           c.RPRelationTypes,
		RPContextTypes:            c.RPContextTypes,
	}
}
