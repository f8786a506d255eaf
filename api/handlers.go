package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tracedeck/core/store"
)

const requestBodyMaxBytes = 64 * 1024

func (s *Server) ListSummaries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.SummaryFilter{
		Status:           query.Get("status"),
		TraceType:        query.Get("trace_type"),
		Name:             query.Get("name"),
		Source:           query.Get("source"),
		RequestID:        query.Get("request_id"),
		ErrorFingerprint: query.Get("error_fingerprint"),
		Cursor:           queryInt64(r, "cursor"),
		Limit:            queryIntDefault(r, "limit", 100),
	}
	if since := query.Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.StartedAtOrAfter = parsed
	}
	items, err := s.summaries.ListSummaries(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list summaries failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": nextCursorSummaries(items)})
}

func nextCursorSummaries(items []store.Summary) int64 {
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].ID
}

func (s *Server) ListTraces(w http.ResponseWriter, r *http.Request) {
	filter := store.TraceFilter{
		Status:    r.URL.Query().Get("status"),
		TraceType: r.URL.Query().Get("trace_type"),
		Cursor:    queryInt64(r, "cursor"),
		Limit:     queryIntDefault(r, "limit", 100),
	}
	items, err := s.traces.ListTraces(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list traces failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	trace, err := s.traces.GetTrace(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("trace_id", id).Msg("get trace failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	events, err := s.traces.ListEvents(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("trace_id", id).Msg("list events failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	errorLinks, err := s.traces.ListErrorLinks(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("trace_id", id).Msg("list error links failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	response := map[string]any{
		"trace":       trace,
		"events":      events,
		"error_links": errorLinks,
	}
	if summary, err := s.summaries.GetSummaryByTrace(r.Context(), id); err == nil {
		response["summary"] = summary
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		Status:   r.URL.Query().Get("status"),
		Kind:     r.URL.Query().Get("kind"),
		Severity: r.URL.Query().Get("severity"),
		Unmuted:  r.URL.Query().Get("unmuted") == "true",
		Cursor:   queryInt64(r, "cursor"),
		Limit:    queryIntDefault(r, "limit", 100),
	}
	items, err := s.incidents.ListIncidents(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list incidents failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	incident, err := s.incidents.GetIncident(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("incident_id", id).Msg("get incident failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

func (s *Server) ListIncidentEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	events, err := s.incidents.ListIncidentEvents(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("incident_id", id).Msg("list incident events failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

type lifecycleRequest struct {
	Actor    string `json:"actor"`
	Note     string `json:"note"`
	Owner    string `json:"owner"`
	Team     string `json:"team"`
	Duration string `json:"duration"`
}

func decodeLifecycleRequest(r *http.Request) lifecycleRequest {
	var req lifecycleRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyMaxBytes))
	if err != nil || len(body) == 0 {
		return req
	}
	_ = json.Unmarshal(body, &req)
	return req
}

func (s *Server) AcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(id int64, req lifecycleRequest) (*store.Incident, error) {
		return s.lifecycle.Acknowledge(r.Context(), id, req.Actor)
	})
}

func (s *Server) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(id int64, req lifecycleRequest) (*store.Incident, error) {
		return s.lifecycle.ResolveWith(r.Context(), id, req.Actor, req.Note)
	})
}

func (s *Server) ReopenIncident(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(id int64, req lifecycleRequest) (*store.Incident, error) {
		return s.lifecycle.Reopen(r.Context(), id, req.Actor)
	})
}

func (s *Server) MuteIncident(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(id int64, req lifecycleRequest) (*store.Incident, error) {
		duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
		if err != nil || duration <= 0 {
			return nil, errInvalidDuration
		}
		return s.lifecycle.MuteFor(r.Context(), id, duration, req.Actor)
	})
}

func (s *Server) AssignIncident(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(id int64, req lifecycleRequest) (*store.Incident, error) {
		if strings.TrimSpace(req.Owner) == "" {
			return nil, errMissingOwner
		}
		return s.lifecycle.Assign(r.Context(), id, req.Owner, req.Team, req.Actor, req.Note)
	})
}

var (
	errInvalidDuration = errors.New("invalid duration")
	errMissingOwner    = errors.New("owner is required")
)

func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, fn func(int64, lifecycleRequest) (*store.Incident, error)) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	req := decodeLifecycleRequest(r)
	incident, err := fn(id, req)
	switch {
	case errors.Is(err, errInvalidDuration), errors.Is(err, errMissingOwner):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "transition not allowed from current status")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		s.logger.Error().Err(err).Int64("incident_id", id).Msg("incident transition failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, incident)
	}
}

func (s *Server) ListJourneys(w http.ResponseWriter, r *http.Request) {
	items, err := s.journeys.ListJourneys(r.Context(), queryInt64(r, "cursor"), queryIntDefault(r, "limit", 100))
	if err != nil {
		s.logger.Error().Err(err).Msg("list journeys failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) ListSavedViews(w http.ResponseWriter, r *http.Request) {
	items, err := s.savedViews.ListSavedViews(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list saved views failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) CreateSavedView(w http.ResponseWriter, r *http.Request) {
	var view store.SavedView
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyMaxBytes))
	if err != nil || json.Unmarshal(body, &view) != nil || strings.TrimSpace(view.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := s.savedViews.CreateSavedView(r.Context(), &view); err != nil {
		s.logger.Error().Err(err).Msg("create saved view failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) DeleteSavedView(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	err := s.savedViews.DeleteSavedView(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("view_id", id).Msg("delete saved view failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
