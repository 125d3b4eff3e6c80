package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type uploadFileRequest struct {
	Filename string `json:"filename"`
	// Content is the base64-encoded file body.
	Content string `json:"content"`
}

func handleUploadFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req uploadFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Filename == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "filename is required")
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content must be base64: %v", err)
			return
		}

		fileID, err := deps.Pipeline.UploadFile(r.Context(), chi.URLParam(r, "tableID"), req.Filename, data)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"file_id": fileID, "status": "accepted"})
	}
}

func handleDeleteFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Pipeline.DeleteFile(r.Context(), chi.URLParam(r, "tableID"), chi.URLParam(r, "fileID"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}
