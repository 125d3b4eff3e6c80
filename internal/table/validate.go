package table

import (
	"regexp"
)

var columnIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _-]{0,99}$`)

// KnowledgeLookup reports whether a knowledge table with the given ID exists.
// Validation of rag_params runs against current state whenever a gen_config
// is created or updated.
type KnowledgeLookup func(tableID string) bool

// ValidateColumns checks a full column set: unique well-formed IDs, known
// dtypes, and each gen_config via ValidateGenConfig.
func ValidateColumns(cols []Column, knowledge KnowledgeLookup) error {
	if len(cols) == 0 {
		return Validationf("table must have at least one column")
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if !columnIDPattern.MatchString(c.ID) {
			return Validationf("invalid column id %q", c.ID)
		}
		if seen[c.ID] {
			return Validationf("duplicate column id %q", c.ID)
		}
		seen[c.ID] = true
		if !validDType(c.DType) {
			return Validationf("column %s: unknown dtype %q", c.ID, c.DType)
		}
		if err := ValidateGenConfig(c, seen, knowledge); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGenConfig checks one column's gen_config. columnsBefore holds the
// IDs of columns declared earlier in the table; source columns must come
// from that set so generation can run in table order.
func ValidateGenConfig(c Column, columnsBefore map[string]bool, knowledge KnowledgeLookup) error {
	switch cfg := c.GenConfig.(type) {
	case nil:
		return nil
	case *LLMGenConfig:
		if cfg.Model == "" {
			return Validationf("column %s: llm gen_config requires a model", c.ID)
		}
		if cfg.Prompt == "" && !cfg.MultiTurn {
			return Validationf("column %s: llm gen_config requires a prompt", c.ID)
		}
		if cfg.Temperature < 0 || cfg.Temperature > 2 {
			return Validationf("column %s: temperature %v out of range [0, 2]", c.ID, cfg.Temperature)
		}
		if cfg.TopP < 0 || cfg.TopP > 1 {
			return Validationf("column %s: top_p %v out of range [0, 1]", c.ID, cfg.TopP)
		}
		if cfg.RAGParams != nil {
			if len(cfg.RAGParams.TableIDs) == 0 {
				return Validationf("column %s: rag_params requires at least one knowledge table", c.ID)
			}
			for _, id := range cfg.RAGParams.TableIDs {
				if knowledge == nil || !knowledge(id) {
					return Validationf("column %s: rag_params references unknown knowledge table %q", c.ID, id)
				}
			}
			if cfg.RAGParams.K < 0 {
				return Validationf("column %s: rag_params.k must be non-negative", c.ID)
			}
		}
	case *CodeGenConfig:
		if cfg.SourceColumn == "" {
			return Validationf("column %s: code gen_config requires a source_column", c.ID)
		}
		if columnsBefore != nil && !columnsBefore[cfg.SourceColumn] {
			return Validationf("column %s: source_column %q is not an earlier column", c.ID, cfg.SourceColumn)
		}
	case *PythonGenConfig:
		if cfg.SourceColumn == "" {
			return Validationf("column %s: python gen_config requires a source_column", c.ID)
		}
		if columnsBefore != nil && !columnsBefore[cfg.SourceColumn] {
			return Validationf("column %s: source_column %q is not an earlier column", c.ID, cfg.SourceColumn)
		}
	case *EmbedGenConfig:
		if cfg.Model == "" {
			return Validationf("column %s: embed gen_config requires an embedding_model", c.ID)
		}
		if cfg.SourceColumn == "" {
			return Validationf("column %s: embed gen_config requires a source_column", c.ID)
		}
		if c.DType != DTypeVector {
			return Validationf("column %s: embed gen_config requires dtype vector, got %q", c.ID, c.DType)
		}
	case *ImageGenConfig:
		if cfg.Model == "" {
			return Validationf("column %s: image gen_config requires a model", c.ID)
		}
		if c.DType != DTypeImage {
			return Validationf("column %s: image gen_config requires dtype image, got %q", c.ID, c.DType)
		}
	default:
		return Validationf("column %s: unsupported gen_config %T", c.ID, c.GenConfig)
	}
	return nil
}

func validDType(d DType) bool {
	switch d {
	case DTypeStr, DTypeInt, DTypeFloat, DTypeBool, DTypeImage, DTypeAudio, DTypeFile, DTypeVector:
		return true
	}
	return false
}
