package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brunobiangulo/caselaw"
)

// maxUploadBytes bounds a multipart upload.
const maxUploadBytes = 100 << 20

type handler struct {
	engine caselaw.Engine
}

func newHandler(e caselaw.Engine) *handler {
	return &handler{engine: e}
}

// routes registers every endpoint on a new mux.
func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /cases", h.handleCreateCase)
	mux.HandleFunc("GET /cases", h.handleListCases)
	mux.HandleFunc("GET /cases/{id}", h.handleGetCase)
	mux.HandleFunc("DELETE /cases/{id}", h.handleDeleteCase)
	mux.HandleFunc("POST /cases/{id}/documents", h.handleUpload)
	mux.HandleFunc("GET /cases/{id}/documents", h.handleListDocuments)
	mux.HandleFunc("GET /cases/{id}/documents/{docID}/text", h.handleDocumentText)
	mux.HandleFunc("DELETE /cases/{id}/documents/{docID}", h.handleDeleteDocument)
	mux.HandleFunc("POST /cases/{id}/ask", h.handleAsk)
	mux.HandleFunc("GET /cases/{id}/history", h.handleHistory)
	mux.HandleFunc("POST /index/rebuild", h.handleRebuildIndex)
	mux.HandleFunc("GET /index", h.handleIndexStatus)
	return mux
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"index":  h.engine.IndexStatus(),
	})
}

// POST /cases
func (h *handler) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	c, err := h.engine.CreateCase(r.Context(), req.Title)
	if err != nil {
		writeEngineError(w, "create case", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GET /cases
func (h *handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.engine.ListCases(r.Context())
	if err != nil {
		writeEngineError(w, "list cases", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// GET /cases/{id}
func (h *handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.GetCase(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, "get case", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// DELETE /cases/{id}
func (h *handler) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteCase(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, "delete case", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /cases/{id}/documents
// Multipart upload with a "file" part and an optional "format" field.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the 100MB upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart upload with a 'file' part")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' part")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	doc, err := h.engine.UploadDocument(ctx, r.PathValue("id"), header.Filename, raw, r.FormValue("format"))
	if err != nil {
		writeEngineError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// GET /cases/{id}/documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /cases/{id}/documents/{docID}/text
func (h *handler) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	text, err := h.engine.DocumentText(r.Context(), r.PathValue("id"), r.PathValue("docID"))
	if err != nil {
		writeEngineError(w, "document text", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// DELETE /cases/{id}/documents/{docID}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteDocument(r.Context(), r.PathValue("id"), r.PathValue("docID")); err != nil {
		writeEngineError(w, "delete document", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /cases/{id}/ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	answer, err := h.engine.Ask(ctx, r.PathValue("id"), req.Question)
	if err != nil {
		writeEngineError(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// GET /cases/{id}/history
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// POST /index/rebuild
func (h *handler) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	status, err := h.engine.RebuildStatuteIndex(ctx)
	if err != nil {
		writeEngineError(w, "rebuild index", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /index
func (h *handler) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.IndexStatus())
}

type errorBody struct {
	Error  string         `json:"error"`
	Code   string         `json:"code"`
	Action caselaw.Action `json:"action"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports a malformed request.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: "bad_request", Action: caselaw.ActionFixInput})
}

// writeEngineError maps an engine error to its status, code and action.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("server: "+op+" failed", "code", code, "error", err)
	} else {
		slog.Warn("server: "+op+" rejected", "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code, Action: caselaw.ActionOf(err)})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{caselaw.ErrCaseNotFound, http.StatusNotFound, "case_not_found"},
	{caselaw.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"},
	{caselaw.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "unsupported_format"},
	{caselaw.ErrCorruptDocument, http.StatusUnprocessableEntity, "corrupt_document"},
	{caselaw.ErrEmptyQuestion, http.StatusBadRequest, "empty_question"},
	{caselaw.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{caselaw.ErrEmbeddingMismatch, http.StatusConflict, "embedding_mismatch"},
	{caselaw.ErrCorruptIndex, http.StatusServiceUnavailable, "corrupt_index"},
	{caselaw.ErrIndexNotLoaded, http.StatusServiceUnavailable, "index_not_loaded"},
	{caselaw.ErrLLMTimeout, http.StatusGatewayTimeout, "llm_timeout"},
	{caselaw.ErrLLMAuth, http.StatusBadGateway, "llm_auth"},
	{caselaw.ErrLLMRequestFailed, http.StatusBadGateway, "llm_request_rejected"},
	{caselaw.ErrLLMUnavailable, http.StatusBadGateway, "llm_unavailable"},
	{caselaw.ErrEmbeddingUnavailable, http.StatusBadGateway, "embedding_unavailable"},
	{caselaw.ErrIndexBuild, http.StatusInternalServerError, "index_build_failed"},
	{caselaw.ErrClosed, http.StatusServiceUnavailable, "closed"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func classify(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
