package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/logging"
)

// Handler serves error reports for download.
type Handler struct {
	service *Service
}

// NewHTTPHandler serves GET requests routed with an {uploadID} URL parameter.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid upload id: %v", err), http.StatusBadRequest)
		return
	}
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// buffered so a failure halfway through still gets a proper status
	var buf bytes.Buffer
	report, err := h.service.WriteFailedRows(r.Context(), uploadID, format, &buf)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logging.FromContext(r.Context()).WithError(err).Error("failed to build error report")
		http.Error(w, "failed to build error report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", report.FileName))
	w.Header().Set("X-Rows-Exported", strconv.Itoa(report.RowsExported))
	http.ServeContent(w, r, report.FileName, time.Time{}, bytes.NewReader(buf.Bytes()))
}
