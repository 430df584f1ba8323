package cookrag

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the cookrag pipeline.
type Config struct {
	// LLM providers by logical role.
	Chat       LLMConfig `json:"chat" yaml:"chat"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding"`
	Moderation LLMConfig `json:"moderation" yaml:"moderation"`
	Rerank     LLMConfig `json:"rerank" yaml:"rerank"`

	// BM25Path is the base directory the BM25 snapshot is cached under;
	// the snapshot file lives at <BM25Path>/bm25_cache/bm25_index.json.
	BM25Path string `json:"bm25_path" yaml:"bm25_path"`

	// OODPrototypesPath optionally points at a JSON file of domain prototype
	// sentences used to build the OOD centroid. Empty uses the built-in list.
	OODPrototypesPath string `json:"ood_prototypes_path" yaml:"ood_prototypes_path"`

	// Retrieval
	UseHybridSearch bool    `json:"use_hybrid_search" yaml:"use_hybrid_search"` // false = dense-only
	Alpha       float64 `json:"alpha" yaml:"alpha"`               // dense weight in RRF, [0,1]
	KRRF        int     `json:"k_rrf" yaml:"k_rrf"`               // RRF constant, >=1
	DefaultK    int     `json:"default_k" yaml:"default_k"`       // default result count
	FetchKRatio int     `json:"fetch_k_ratio" yaml:"fetch_k_ratio"` // fetch_k = FetchKRatio * k

	// Post-retrieval filter
	MinDocLen          int     `json:"min_doc_len" yaml:"min_doc_len"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	DomainCap          int     `json:"domain_cap" yaml:"domain_cap"`
	RerankMMR          bool    `json:"rerank_mmr" yaml:"rerank_mmr"` // reorder kept docs by MMR when the store supports it
	MMRFetch           int     `json:"mmr_fetch" yaml:"mmr_fetch"`
	MMRLambda          float64 `json:"mmr_lambda" yaml:"mmr_lambda"`

	// Reranker
	RerankEnabled bool `json:"rerank_enabled" yaml:"rerank_enabled"`
	RerankTopN    int  `json:"rerank_top_n" yaml:"rerank_top_n"`

	// Grounding verifier (C6)
	CEMaxDocs         int     `json:"ce_max_docs" yaml:"ce_max_docs"`
	CESnippetsPerDoc  int     `json:"ce_snippets_per_doc" yaml:"ce_snippets_per_doc"`
	CESentenceThresh  float64 `json:"ce_sentence_thresh" yaml:"ce_sentence_thresh"`
	CESupportP        float64 `json:"ce_support_p" yaml:"ce_support_p"`

	// OOD guard (C7)
	ModerationEnabled  bool    `json:"moderation_enabled" yaml:"moderation_enabled"`
	CentroidThreshold  float64 `json:"centroid_threshold" yaml:"centroid_threshold"`
	CentroidMargin     float64 `json:"centroid_margin" yaml:"centroid_margin"`

	// Context builder (C11)
	MaxContextDocs   int `json:"max_context_docs" yaml:"max_context_docs"`
	MaxContextLength int `json:"max_context_length" yaml:"max_context_length"`

	// Conversation memory (C12)
	MaxTurns    int           `json:"max_turns" yaml:"max_turns"`
	SessionTTL  time.Duration `json:"session_ttl" yaml:"session_ttl"`

	// Orchestrator (C13)
	EnableCRAG         bool    `json:"enable_crag" yaml:"enable_crag"` // corrective second pass on weak verdicts
	MinConfDocs        int     `json:"min_conf_docs" yaml:"min_conf_docs"`
	LowConfidenceMode  string  `json:"low_confidence_mode" yaml:"low_confidence_mode"` // strict, lenient, balanced
	NoContextAnswering bool    `json:"no_context_answering" yaml:"no_context_answering"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// EnableQueryRewrite gates whether C9 runs at all; Request.EnableRewrite
	// still applies per-request on top of this global switch.
	EnableQueryRewrite bool `json:"enable_query_rewrite" yaml:"enable_query_rewrite"`
}

// LLMConfig configures a single LLM/provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, xai, gemini, openai, groq, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Moderation: LLMConfig{
			Provider: "openai",
			Model:    "omni-moderation-latest",
		},
		Rerank: LLMConfig{
			Provider: "custom",
			Model:    "bge-reranker-base",
		},
		BM25Path:            "./data",
		UseHybridSearch:     true,
		Alpha:               0.5,
		KRRF:                60,
		DefaultK:             8,
		FetchKRatio:          2,
		MinDocLen:            20,
		SimilarityThreshold:  0.25,
		DomainCap:            3,
		RerankMMR:            false,
		MMRFetch:             20,
		MMRLambda:            0.5,
		RerankEnabled:        false,
		RerankTopN:           10,
		CEMaxDocs:            5,
		CESnippetsPerDoc:     3,
		CESentenceThresh:     0.55,
		CESupportP:           0.60,
		ModerationEnabled:    true,
		CentroidThreshold:    0.30,
		CentroidMargin:       0.05,
		MaxContextDocs:       5,
		MaxContextLength:     6000,
		MaxTurns:             10,
		SessionTTL:           30 * time.Minute,
		EnableCRAG:           true,
		MinConfDocs:          2,
		LowConfidenceMode:    "balanced",
		NoContextAnswering:   false,
		RequestTimeout:       25 * time.Second,
		EnableQueryRewrite:   true,
	}
}

// LoadConfig returns DefaultConfig with any recognized COOKRAG_* environment
// variables applied on top.
func LoadConfig() Config {
	cfg := DefaultConfig()
	loadEnvOverrides(&cfg)
	return cfg
}

// loadEnvOverrides applies environment-variable overrides onto cfg. Each
// knob is read explicitly; there is no reflection-based binding.
func loadEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("COOKRAG_CHAT_PROVIDER"); ok {
		cfg.Chat.Provider = v
	}
	if v, ok := os.LookupEnv("COOKRAG_CHAT_MODEL"); ok {
		cfg.Chat.Model = v
	}
	if v, ok := os.LookupEnv("COOKRAG_CHAT_BASE_URL"); ok {
		cfg.Chat.BaseURL = v
	}
	if v, ok := os.LookupEnv("COOKRAG_CHAT_API_KEY"); ok {
		cfg.Chat.APIKey = v
	}
	if v, ok := os.LookupEnv("COOKRAG_EMBEDDING_PROVIDER"); ok {
		cfg.Embedding.Provider = v
	}
	if v, ok := os.LookupEnv("COOKRAG_EMBEDDING_MODEL"); ok {
		cfg.Embedding.Model = v
	}
	if v, ok := os.LookupEnv("COOKRAG_BM25_PATH"); ok {
		cfg.BM25Path = v
	}
	if v, ok := os.LookupEnv("COOKRAG_OOD_PROTOTYPES_PATH"); ok {
		cfg.OODPrototypesPath = v
	}
	if v, ok := envBool("COOKRAG_USE_HYBRID_SEARCH"); ok {
		cfg.UseHybridSearch = v
	}
	if v, ok := envFloat("COOKRAG_ALPHA"); ok {
		cfg.Alpha = v
	}
	if v, ok := envInt("COOKRAG_K_RRF"); ok {
		cfg.KRRF = v
	}
	if v, ok := envInt("COOKRAG_FETCH_K_RATIO"); ok {
		cfg.FetchKRatio = v
	}
	if v, ok := envInt("COOKRAG_DEFAULT_K"); ok {
		cfg.DefaultK = v
	}
	if v, ok := envInt("COOKRAG_MIN_DOC_LEN"); ok {
		cfg.MinDocLen = v
	}
	if v, ok := envFloat("COOKRAG_SIMILARITY_THRESHOLD"); ok {
		cfg.SimilarityThreshold = v
	}
	if v, ok := envInt("COOKRAG_DOMAIN_CAP"); ok {
		cfg.DomainCap = v
	}
	if v, ok := envBool("COOKRAG_RERANK_MMR"); ok {
		cfg.RerankMMR = v
	}
	if v, ok := envInt("COOKRAG_MMR_FETCH"); ok {
		cfg.MMRFetch = v
	}
	if v, ok := envFloat("COOKRAG_MMR_LAMBDA"); ok {
		cfg.MMRLambda = v
	}
	if v, ok := envBool("COOKRAG_RERANK_ENABLED"); ok {
		cfg.RerankEnabled = v
	}
	if v, ok := envInt("COOKRAG_RERANK_TOP_N"); ok {
		cfg.RerankTopN = v
	}
	if v, ok := envFloat("COOKRAG_CE_SENTENCE_THRESH"); ok {
		cfg.CESentenceThresh = v
	}
	if v, ok := envFloat("COOKRAG_CE_SUPPORT_P"); ok {
		cfg.CESupportP = v
	}
	if v, ok := envInt("COOKRAG_CE_MAX_DOCS"); ok {
		cfg.CEMaxDocs = v
	}
	if v, ok := envInt("COOKRAG_CE_SNIPPETS_PER_DOC"); ok {
		cfg.CESnippetsPerDoc = v
	}
	if v, ok := envBool("COOKRAG_MODERATION_ENABLED"); ok {
		cfg.ModerationEnabled = v
	}
	if v, ok := envFloat("COOKRAG_CENTROID_THRESHOLD"); ok {
		cfg.CentroidThreshold = v
	}
	if v, ok := envFloat("COOKRAG_CENTROID_MARGIN"); ok {
		cfg.CentroidMargin = v
	}
	if v, ok := envInt("COOKRAG_MAX_CONTEXT_DOCS"); ok {
		cfg.MaxContextDocs = v
	}
	if v, ok := envInt("COOKRAG_MAX_CONTEXT_LENGTH"); ok {
		cfg.MaxContextLength = v
	}
	if v, ok := envInt("COOKRAG_MAX_TURNS"); ok {
		cfg.MaxTurns = v
	}
	if v, ok := envBool("COOKRAG_ENABLE_CRAG"); ok {
		cfg.EnableCRAG = v
	}
	if v, ok := envInt("COOKRAG_MIN_CONF_DOCS"); ok {
		cfg.MinConfDocs = v
	}
	if v, ok := os.LookupEnv("COOKRAG_LOW_CONFIDENCE_MODE"); ok {
		cfg.LowConfidenceMode = v
	}
	if v, ok := os.LookupEnv("COOKRAG_SESSION_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}
	if v, ok := envBool("COOKRAG_NO_CONTEXT_ANSWERING"); ok {
		cfg.NoContextAnswering = v
	}
	if v, ok := envBool("COOKRAG_ENABLE_QUERY_REWRITE"); ok {
		cfg.EnableQueryRewrite = v
	}
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
