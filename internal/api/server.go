// Package api exposes the engine over an HTTP REST surface with streaming
// row generation, plus an MCP tool server for agent integrations.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gentable/internal/controller"
	"github.com/kalambet/gentable/internal/ingest"
	"github.com/kalambet/gentable/internal/search"
	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

const maxRequestBodySize = 32 << 20 // file uploads ride in base64 JSON

// Deps holds the wired engine components the handlers call into.
type Deps struct {
	Store      *storage.Store
	Controller *controller.Controller
	Search     *search.Engine
	Pipeline   *ingest.Pipeline
	Token      string
}

// NewHandler builds the REST router. All routes require the bearer token
// except the health probe.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/tables", handleCreateTable(deps))
		r.Get("/v1/tables", handleListTables(deps))
		r.Get("/v1/tables/{tableID}", handleGetTable(deps))
		r.Delete("/v1/tables/{tableID}", handleDeleteTable(deps))
		r.Patch("/v1/tables/{tableID}/columns", handleUpdateColumns(deps))

		r.Post("/v1/tables/{tableID}/rows", handleAddRows(deps))
		r.Post("/v1/tables/{tableID}/rows/regen", handleRegenRows(deps))
		r.Get("/v1/tables/{tableID}/rows", handleListRows(deps))
		r.Get("/v1/tables/{tableID}/rows/{rowID}", handleGetRow(deps))
		r.Delete("/v1/tables/{tableID}/rows/{rowID}", handleDeleteRow(deps))

		r.Post("/v1/search", handleSearch(deps))

		r.Post("/v1/tables/{tableID}/files", handleUploadFile(deps))
		r.Delete("/v1/tables/{tableID}/files/{fileID}", handleDeleteFile(deps))
		r.Get("/v1/tables/{tableID}/chunks", handleListChunks(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var t table.Table
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		created, err := deps.Controller.CreateTable(t)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, created)
	}
}

func handleListTables(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := table.Kind(r.URL.Query().Get("kind"))
		tables, err := deps.Controller.ListTables(kind)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if tables == nil {
			tables = []table.Table{}
		}
		writeJSON(w, map[string]any{"object": "list", "data": tables})
	}
}

func handleGetTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Controller.GetTable(chi.URLParam(r, "tableID"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, t)
	}
}

func handleDeleteTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.DeleteTable(chi.URLParam(r, "tableID")); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleUpdateColumns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Columns []table.Column `json:"cols"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		t, err := deps.Controller.UpdateColumns(chi.URLParam(r, "tableID"), req.Columns)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, t)
	}
}

func handleListRows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		rows, err := deps.Store.ListRows(chi.URLParam(r, "tableID"), limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if rows == nil {
			rows = []table.Row{}
		}
		writeJSON(w, map[string]any{"object": "list", "data": rows})
	}
}

func handleGetRow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := deps.Store.GetRow(chi.URLParam(r, "tableID"), chi.URLParam(r, "rowID"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, row)
	}
}

func handleDeleteRow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteRow(chi.URLParam(r, "tableID"), chi.URLParam(r, "rowID")); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			TableIDs       []string `json:"table_ids"`
			Query          string   `json:"query"`
			K              int      `json:"k"`
			RerankingModel string   `json:"reranking_model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Search.Search(r.Context(), search.Request{
			TableIDs:       req.TableIDs,
			Query:          req.Query,
			K:              req.K,
			RerankingModel: req.RerankingModel,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, res)
	}
}

func handleListChunks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chunks, err := deps.Store.ListChunks(chi.URLParam(r, "tableID"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if chunks == nil {
			chunks = []table.Chunk{}
		}
		writeJSON(w, map[string]any{"object": "list", "data": chunks})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
