package table

import (
	"encoding/json"
	"fmt"
)

// GenConfig is the discriminated configuration attached to an output column.
// The concrete type is selected by the "object" tag at decode time; dispatch
// switches exhaustively on the concrete type rather than sniffing fields.
type GenConfig interface {
	Object() string
}

const (
	ObjectLLM    = "gen_config.llm"
	ObjectCode   = "gen_config.code"
	ObjectPython = "gen_config.python"
	ObjectEmbed  = "gen_config.embed"
	ObjectImage  = "gen_config.image"
)

// RAGParams configures retrieval-augmented context building for an LLM column.
type RAGParams struct {
	// TableIDs names the knowledge tables to search. Validated to exist
	// whenever the owning gen_config is created or updated.
	TableIDs []string `json:"table_ids"`
	K        int      `json:"k,omitempty"`
	// RerankingModel, when set, re-scores the fused candidates and its
	// order wins outright.
	RerankingModel string `json:"reranking_model,omitempty"`
	// SearchQuery is a template (same ${column-id} syntax as prompts) for
	// the retrieval query. Empty means the rendered prompt is used.
	SearchQuery string `json:"search_query,omitempty"`
	// RewriteQuery asks an LLM to rewrite the search query first, bounded
	// to its own token budget separate from the main completion budget.
	RewriteQuery bool `json:"rewrite_query,omitempty"`
}

// LLMGenConfig drives a chat-completion column.
type LLMGenConfig struct {
	Model        string     `json:"model"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Prompt       string     `json:"prompt"`
	Temperature  float64    `json:"temperature,omitempty"`
	TopP         float64    `json:"top_p,omitempty"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
	RAGParams    *RAGParams `json:"rag_params,omitempty"`
	MultiTurn    bool       `json:"multi_turn,omitempty"`
}

func (*LLMGenConfig) Object() string { return ObjectLLM }

// CodeGenConfig executes generated code taken from a single source column.
type CodeGenConfig struct {
	SourceColumn string `json:"source_column"`
}

func (*CodeGenConfig) Object() string { return ObjectCode }

// PythonGenConfig evaluates a python snippet taken from a single source column.
type PythonGenConfig struct {
	SourceColumn string `json:"source_column"`
}

func (*PythonGenConfig) Object() string { return ObjectPython }

// EmbedGenConfig embeds a source column's text into a vector column.
type EmbedGenConfig struct {
	Model        string `json:"embedding_model"`
	SourceColumn string `json:"source_column"`
}

func (*EmbedGenConfig) Object() string { return ObjectEmbed }

// ImageGenConfig drives an image-generation column.
type ImageGenConfig struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (*ImageGenConfig) Object() string { return ObjectImage }

// genConfigEnvelope is the wire form: the concrete payload plus its tag.
type genConfigEnvelope struct {
	ObjectTag string `json:"object"`
}

// MarshalGenConfig serializes cfg with its "object" discriminator. A nil cfg
// marshals to JSON null (plain input column).
func MarshalGenConfig(cfg GenConfig) ([]byte, error) {
	if cfg == nil {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the payload object.
	tag, err := json.Marshal(cfg.Object())
	if err != nil {
		return nil, err
	}
	if string(payload) == "{}" {
		return []byte(`{"object":` + string(tag) + `}`), nil
	}
	out := []byte(`{"object":` + string(tag) + `,`)
	return append(out, payload[1:]...), nil
}

// UnmarshalGenConfig decodes a tagged gen_config. JSON null or empty input
// yields nil (plain input column). Unknown tags are rejected.
func UnmarshalGenConfig(data []byte) (GenConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env genConfigEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing gen_config envelope: %w", err)
	}

	var cfg GenConfig
	switch env.ObjectTag {
	case ObjectLLM:
		cfg = &LLMGenConfig{}
	case ObjectCode:
		cfg = &CodeGenConfig{}
	case ObjectPython:
		cfg = &PythonGenConfig{}
	case ObjectEmbed:
		cfg = &EmbedGenConfig{}
	case ObjectImage:
		cfg = &ImageGenConfig{}
	case "":
		return nil, fmt.Errorf("gen_config missing object tag")
	default:
		return nil, fmt.Errorf("unknown gen_config object %q", env.ObjectTag)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", env.ObjectTag, err)
	}
	return cfg, nil
}

// columnWire is the JSON form of Column with gen_config as raw bytes so the
// tagged union can be decoded in a second pass.
type columnWire struct {
	ID        string          `json:"id"`
	DType     DType           `json:"dtype"`
	GenConfig json.RawMessage `json:"gen_config,omitempty"`
}

func (c Column) MarshalJSON() ([]byte, error) {
	raw, err := MarshalGenConfig(c.GenConfig)
	if err != nil {
		return nil, err
	}
	w := columnWire{ID: c.ID, DType: c.DType}
	if string(raw) != "null" {
		w.GenConfig = raw
	}
	return json.Marshal(w)
}

func (c *Column) UnmarshalJSON(data []byte) error {
	var w columnWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cfg, err := UnmarshalGenConfig(w.GenConfig)
	if err != nil {
		return fmt.Errorf("column %s: %w", w.ID, err)
	}
	c.ID = w.ID
	c.DType = w.DType
	c.GenConfig = cfg
	return nil
}
