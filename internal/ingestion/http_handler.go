package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rpattn/memberships/internal/auth"
	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/logging"
)

const maxUploadBytes = 32 << 20

// Handler exposes the ingestion service over HTTP.
type Handler struct {
	service *Service
}

// NewHTTPHandler mounts the upload routes on a chi router. reports, when set, serves
// GET /uploads/{uploadID}/errors.
func NewHTTPHandler(service *Service, reports http.Handler) http.Handler {
	h := &Handler{service: service}

	r := chi.NewRouter()
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Route("/{uploadID}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Delete("/", h.purge)
			r.Get("/rows", h.rows)
			r.Post("/reconcile", h.reconcile)
			r.Post("/cancel", h.cancel)
			if reports != nil {
				r.Method(http.MethodGet, "/errors", reports)
			}
		})
	})
	r.Route("/geography", func(r chi.Router) {
		r.Get("/rollup", h.rollup)
		r.Post("/repair", h.repair)
	})
	return r
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUser(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	upload, err := h.service.Submit(r.Context(), SubmitRequest{
		FileName: header.Filename,
		UserID:   userID,
		Data:     data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, upload)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) rows(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}

	filter := domain.RowFilter{UploadID: id}
	query := r.URL.Query()
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		parsed := domain.RowStatusFrom(status)
		if string(parsed) != status {
			http.Error(w, fmt.Sprintf("unknown row status %q", status), http.StatusBadRequest)
			return
		}
		filter.Status = parsed
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	rows, err := h.service.Rows(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	id, ok := uploadID(w, r)
	if !ok {
		return
	}
	if err := h.service.Purge(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rollup(w http.ResponseWriter, r *http.Request) {
	rollup, err := h.service.Rollup(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	result, err := h.service.RepairGeography(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func uploadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid upload id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func intParam(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Newf("invalid value %q", raw)
	}
	return v, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs playground.ValidationErrors
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrUserRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrUploadInProgress),
		errors.Is(err, ErrUploadNotTerminal),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrEmptyFile),
		errors.As(err, &fieldErrs):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
