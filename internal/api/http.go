package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/storage"
)

// maxRequestBodySize admits a maximal submission in base64 plus JSON framing.
// The decoded size is enforced by ingest.Check.
var maxRequestBodySize = int64(base64.StdEncoding.EncodedLen(ingest.MaxSize) + 64<<10)

// GenerationProbe reports whether the generation backend is reachable.
type GenerationProbe interface {
	Available(ctx context.Context) bool
}

type AppDeps struct {
	Diagnoser  Diagnoser
	Store      *storage.Store
	Index      *retrieval.Index // nil when retrieval is disabled
	Generation GenerationProbe  // optional
	// Token guards every route but /health. Empty disables authentication.
	Token string
}

// DiagnoseRequest submits source text. With Encoding "base64", Text holds the
// base64 of the file contents.
type DiagnoseRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Encoding string `json:"encoding"`
}

type FixRequest struct {
	Text   string `json:"text"`
	Stderr string `json:"stderr"`
}

type RemedyResultRequest struct {
	Success *bool `json:"success"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token))
		r.Post("/diagnose", handleDiagnose(deps))
		r.Post("/fix", handleFix)
		r.Get("/stats", handleStats(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/errors", handleListErrors(deps))
		r.Get("/errors/{id}", handleGetError(deps))
		r.Post("/remedies/{id}/result", handleRemedyResult(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generation := false
		if deps.Generation != nil {
			generation = deps.Generation.Available(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"generation": generation,
			"retrieval":  deps.Index != nil,
		})
	}
}

func handleDiagnose(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req DiagnoseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "ingestion_error", "request body exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		text := req.Text
		switch req.Encoding {
		case "", "text":
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(req.Text)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 text")
				return
			}
			text = string(decoded)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown encoding %q", req.Encoding)
			return
		}
		if req.Type == "" && req.Name != "" {
			req.Type = ingest.DetectType(req.Name)
		}

		res := deps.Diagnoser.Diagnose(r.Context(), ingest.Submission{Name: req.Name, Text: text, Type: req.Type})
		code := http.StatusOK
		if res.Status == pipeline.StatusIngestionError {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, res)
	}
}

func handleFix(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req FixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Text == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
		return
	}

	res, err := suggestFix(req.Text, req.Stderr)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), deps.Store, deps.Index)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load statistics: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		if deps.Index == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", retrieval.ErrDisabled)
			return
		}
		cases := deps.Index.SearchText(r.Context(), q, parseIntParam(r, "limit", 5, 50))
		if cases == nil {
			cases = []retrieval.SimilarCase{}
		}
		writeJSON(w, http.StatusOK, cases)
	}
}

func handleListErrors(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		errs, err := deps.Store.ListErrors(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list errors: %v", err)
			return
		}
		if errs == nil {
			errs = []storage.PersistedError{}
		}
		writeJSON(w, http.StatusOK, errs)
	}
}

func handleGetError(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		e, err := deps.Store.GetError(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "error not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get error: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleRemedyResult(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid remedy id")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
		var req RemedyResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be {\"success\": true|false}")
			return
		}

		err = deps.Store.MarkRemedyResult(id, *req.Success)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "remedy not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record result: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
