package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/series"
)

// respond writes a success envelope.
func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, domain.OK(data))
}

// fail writes a failure envelope with the HTTP status of the error's code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternal {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, httpStatus(code), domain.Fail(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// httpStatus maps the closed error taxonomy to HTTP statuses.
func httpStatus(code domain.Code) int {
	switch code {
	case domain.CodeValidation, domain.CodeInvalidAcceleration,
		domain.CodeTimestampRegression, domain.CodeSeriesExists:
		return http.StatusBadRequest
	case domain.CodeTemplateNotFound, domain.CodeInstanceNotFound,
		domain.CodeStockNotFound, domain.CodeSeriesNotFound,
		domain.CodeProgressNotFound, domain.CodeUnknownObject:
		return http.StatusNotFound
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeInstanceBusy, domain.CodeIllegalState, domain.CodeIllegalTransition:
		return http.StatusConflict
	case domain.CodeInsufficientShares, domain.CodeOversubscribed:
		return http.StatusUnprocessableEntity
	case domain.CodeStageTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userID extracts the caller identity. Empty means anonymous: ownership
// checks are skipped for instances that were created without an owner.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewError(domain.CodeValidation, "malformed request body: %v", err)
	}
	return nil
}

// parseTimeParam accepts unix milliseconds or RFC 3339. Absent is zero.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.NewError(domain.CodeValidation,
			"time %q is neither unix milliseconds nor RFC 3339", raw)
	}
	return t.UTC(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"service": "marketsim",
	}
	if checker, ok := s.templates.(interface{ QuickCheck(context.Context) error }); ok {
		if err := checker.QuickCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Template store health check failed")
			body["status"] = "degraded"
			body["database"] = "unreachable"
		} else {
			body["database"] = "ok"
		}
	}
	s.respond(w, http.StatusOK, body)
}

// --- Templates ---

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl domain.Template
	if err := decode(r, &tpl); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.templates.Put(r.Context(), &tpl); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"id": tpl.ID})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.templates.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Market instances ---

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID string `json:"templateId"`
		Name       string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	requestID, err := s.controller.Create(body.TemplateID, userID(r), body.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"requestId": requestID})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.controller.GetProgress(chi.URLParam(r, "requestId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) handleCancelCreation(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(chi.URLParam(r, "requestId"), userID(r)); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.controller.List(userID(r)))
}

func (s *Server) handleGetDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.controller.GetDetails(chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, details)
}

func (s *Server) handleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	destroyedAt, err := s.controller.Destroy(chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]time.Time{"destroyedAt": destroyedAt})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.controller.Export(chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}

func (s *Server) handleGetKLine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	g, err := series.ParseGranularity(q.Get("granularity"))
	if err != nil {
		s.fail(w, err)
		return
	}
	start, err := parseTimeParam(q.Get("startTime"))
	if err != nil {
		s.fail(w, err)
		return
	}
	end, err := parseTimeParam(q.Get("endTime"))
	if err != nil {
		s.fail(w, err)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	buckets, err := s.controller.GetKLine(chi.URLParam(r, "id"), chi.URLParam(r, "symbol"), g, start, end, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, buckets)
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	info, err := s.controller.GetTime(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, info)
}

func (s *Server) handleSetAcceleration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Acceleration float64 `json:"acceleration"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	info, err := s.controller.SetAcceleration(chi.URLParam(r, "id"), body.Acceleration)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, info)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := s.controller.Trades(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, trades)
}
