package search

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/config"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/horosafe"
	"github.com/hazyhaar/sonde/indicator"
	"github.com/hazyhaar/sonde/observability"
)

const maxBody = 64 << 10

// RegisterHTTP mounts the search API on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Post("/api/integration/search", s.handleSearch)
	r.Post("/api/integration/{itype}/{adapter}/search", s.handleLookup)
	r.Get("/api/integration", s.handleAdapters)
	r.Get("/api/integration/stats", s.handleStats)
	r.Get("/api/classify", s.handleClassify)
	r.Get("/api/audit", s.handleAudit)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireCaller)
		r.Get("/api/settings", s.handleListSettings)
		r.Put("/api/settings/{adapter}/{key}", s.handleSetSetting)
		r.Delete("/api/settings/{adapter}/{key}", s.handleDeleteSetting)
	})
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, maxBody)
	if err != nil {
		writeChunk(w, http.StatusBadRequest, errorChunk(err))
		return
	}
	req, err := ParseRequest(body)
	if err != nil {
		writeChunk(w, http.StatusBadRequest, errorChunk(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sw := NewStreamWriter(w)
	sw.Open()
	err = s.Stream(r.Context(), auth.CallerFrom(r.Context()), req, func(c engine.Chunk) {
		sw.Write(c)
	})
	sw.Close()
	if err != nil {
		s.logger.Debug("search: stream ended early", "error", err)
	}
	if werr := sw.Err(); werr != nil {
		s.logger.Debug("search: client write failed", "error", werr)
	}
}

func (s *Service) handleLookup(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, maxBody)
	if err != nil {
		writeChunk(w, http.StatusBadRequest, errorChunk(err))
		return
	}
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &p); err != nil || strings.TrimSpace(p.Query) == "" {
		writeChunk(w, http.StatusBadRequest, engine.Chunk{Purpose: engine.PurposeError, Text: "invalid request: query must be a non-empty string"})
		return
	}
	c := s.Lookup(r.Context(), auth.CallerFrom(r.Context()), chi.URLParam(r, "itype"), chi.URLParam(r, "adapter"), p.Query)
	code := http.StatusOK
	if c.Purpose == engine.PurposeError {
		code = http.StatusBadRequest
	}
	writeChunk(w, code, c)
}

// AdapterView is one entry of GET /api/integration.
type AdapterView struct {
	adapter.Info
	Allowed bool `json:"allowed"`
}

// Adapters lists registered adapters with the caller's access.
func (s *Service) Adapters(r *http.Request) []AdapterView {
	caller := auth.CallerFrom(r.Context())
	all := s.engine.Registry().All()
	out := make([]AdapterView, 0, len(all))
	for _, a := range all {
		out = append(out, AdapterView{Info: a.Info(), Allowed: a.Allowed(r.Context(), caller)})
	}
	return out
}

func (s *Service) handleAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Adapters(r))
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().Stats().Snapshot())
}

func (s *Service) handleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	tokens := Tokens(q)
	if len(tokens) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	out := make([]indicator.Indicator, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, indicator.Classify(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAudit returns the caller's own searches; admins may pass ?user=.
func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("audit not enabled"))
		return
	}
	caller := auth.CallerFrom(r.Context())
	if caller.Anonymous() {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return
	}
	f := observability.AuditFilter{
		UserID: caller.UserID,
		IType:  r.URL.Query().Get("itype"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if caller.HasRole(auth.RoleAdmin) {
		f.UserID = r.URL.Query().Get("user")
	}
	recs, err := s.history.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("search: audit query", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("audit query failed"))
		return
	}
	if recs == nil {
		recs = []observability.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, errors.New("settings not enabled"))
		return
	}
	list, err := s.settings.List(r.Context(), auth.CallerFrom(r.Context()).UserID)
	if err != nil {
		s.logger.Error("search: list settings", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("settings query failed"))
		return
	}
	if list == nil {
		list = []config.Setting{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, errors.New("settings not enabled"))
		return
	}
	name := chi.URLParam(r, "adapter")
	if _, err := s.engine.Registry().Get(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	body, err := horosafe.LimitedReadAll(r.Body, maxBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var p struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("value must be a string"))
		return
	}
	caller := auth.CallerFrom(r.Context())
	if err := s.settings.Set(r.Context(), caller.UserID, name, chi.URLParam(r, "key"), p.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, errors.New("settings not enabled"))
		return
	}
	caller := auth.CallerFrom(r.Context())
	if err := s.settings.Delete(r.Context(), caller.UserID, chi.URLParam(r, "adapter"), chi.URLParam(r, "key")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func errorChunk(err error) engine.Chunk {
	return engine.Chunk{Purpose: engine.PurposeError, Text: err.Error()}
}

func writeChunk(w http.ResponseWriter, code int, c engine.Chunk) {
	writeJSON(w, code, c)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
