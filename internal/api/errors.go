package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeEngineError maps an engine error's kind to its transport status and
// error envelope.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, table.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	switch table.KindOf(err) {
	case table.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case table.KindRetrieval:
		httpError(w, http.StatusBadGateway, "retrieval_error", "%v", err)
	case table.KindConcurrency:
		httpError(w, http.StatusConflict, "concurrency_error", "%v", err)
	case table.KindGeneration:
		httpError(w, http.StatusInternalServerError, "generation_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
