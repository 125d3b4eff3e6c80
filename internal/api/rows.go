package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gentable/internal/executor"
	"github.com/kalambet/gentable/internal/table"
)

type addRowsRequest struct {
	Data   []map[string]string `json:"data"`
	Stream bool                `json:"stream"`
}

type regenRowsRequest struct {
	RowIDs          []string `json:"row_ids"`
	OutputColumnIDs []string `json:"output_column_ids"`
	Stream          bool     `json:"stream"`
}

func handleAddRows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addRowsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tableID := chi.URLParam(r, "tableID")
		if !req.Stream {
			rows, err := deps.Controller.AddRows(r.Context(), tableID, req.Data, nil)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeRows(w, rows)
			return
		}

		streamRows(w, r, func(emit executor.Emitter) error {
			_, err := deps.Controller.AddRows(r.Context(), tableID, req.Data, emit)
			return err
		})
	}
}

func handleRegenRows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req regenRowsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tableID := chi.URLParam(r, "tableID")
		if !req.Stream {
			rows, err := deps.Controller.RegenRows(r.Context(), tableID, req.RowIDs, req.OutputColumnIDs, nil)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeRows(w, rows)
			return
		}

		streamRows(w, r, func(emit executor.Emitter) error {
			_, err := deps.Controller.RegenRows(r.Context(), tableID, req.RowIDs, req.OutputColumnIDs, emit)
			return err
		})
	}
}

func writeRows(w http.ResponseWriter, rows []table.Row) {
	if rows == nil {
		rows = []table.Row{}
	}
	writeJSON(w, map[string]any{"object": "list", "data": rows})
}

// streamRows runs the generation with an emitter that forwards each chunk
// event as a server-sent event. Validation failures that happen before any
// event was written still go out as a regular JSON error response.
func streamRows(w http.ResponseWriter, r *http.Request, run func(executor.Emitter) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	started := false
	emit := func(ev executor.ChunkEvent) {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := run(emit); err != nil && !started {
		writeEngineError(w, err)
		return
	}

	if !started {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
