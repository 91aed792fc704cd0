package memstore

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/duration"
)

const maxValueSize = 512 * 1024

// Handler returns the HTTP surface of the store.
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/kv/{key...}", s.handleKVGet)
	mux.HandleFunc("PUT /v1/kv/{key...}", s.handleKVPut)
	mux.HandleFunc("DELETE /v1/kv/{key...}", s.handleKVDelete)
	mux.HandleFunc("PUT /v1/session/create", s.handleSessionCreate)
	mux.HandleFunc("PUT /v1/session/renew/{id}", s.handleSessionRenew)
	mux.HandleFunc("PUT /v1/session/destroy/{id}", s.handleSessionDestroy)
	mux.HandleFunc("GET /v1/session/info/{id}", s.handleSessionInfo)
	mux.HandleFunc("GET /v1/session/list", s.handleSessionList)
	mux.HandleFunc("GET /v1/status/leader", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.node)
	})
	return otelhttp.NewHandler(s.logRequests(mux), "kvcoord.memstore")
}

func (s *Store) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Trace("memstore.http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", rec.status,
			"elapsed", time.Since(begin),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func parseQuery(r *http.Request) (api.QueryOptions, error) {
	var q api.QueryOptions
	values := r.URL.Query()
	if raw := values.Get("index"); raw != "" {
		idx, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, api.Validation("query", "invalid index %q", raw)
		}
		q.Index = idx
	}
	if raw := values.Get("wait"); raw != "" {
		d, err := duration.Parse(raw)
		if err != nil {
			return q, api.Validation("query", "invalid wait %q", raw)
		}
		q.Wait = d
	}
	return q, nil
}

func parseUintParam(r *http.Request, name string) (*uint64, error) {
	values := r.URL.Query()
	if !values.Has(name) {
		return nil, nil
	}
	v, err := strconv.ParseUint(values.Get(name), 10, 64)
	if err != nil {
		return nil, api.Validation("query", "invalid %s %q", name, values.Get(name))
	}
	return &v, nil
}

func setMeta(w http.ResponseWriter, idx uint64) {
	h := w.Header()
	h.Set(api.HeaderIndex, strconv.FormatUint(floor(idx), 10))
	h.Set(api.HeaderKnownLeader, "true")
	h.Set(api.HeaderLastContact, "0")
}

func (s *Store) handleKVGet(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key := r.PathValue("key")
	values := r.URL.Query()
	switch {
	case values.Has("keys"):
		keys, idx := s.Keys(r.Context(), key, values.Get("separator"), q)
		setMeta(w, idx)
		if len(keys) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	case values.Has("recurse"):
		pairs, idx := s.List(r.Context(), key, q)
		setMeta(w, idx)
		if len(pairs) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, pairs)
	default:
		if key == "" {
			writeError(w, api.Validation("kv.get", "missing key name"))
			return
		}
		pair, idx := s.Get(r.Context(), key, q)
		setMeta(w, idx)
		if pair == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if values.Has("raw") {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(pair.Value)
			return
		}
		writeJSON(w, http.StatusOK, []*api.KVPair{pair})
	}
}

func (s *Store) handleKVPut(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	var opts api.WriteOptions
	flags, err := parseUintParam(r, "flags")
	if err != nil {
		writeError(w, err)
		return
	}
	if flags != nil {
		opts.Flags = *flags
	}
	if opts.CAS, err = parseUintParam(r, "cas"); err != nil {
		writeError(w, err)
		return
	}
	opts.Acquire = values.Get("acquire")
	opts.Release = values.Get("release")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(body) > maxValueSize {
		writeStatus(w, http.StatusRequestEntityTooLarge, "value exceeds 512KB")
		return
	}
	ok, idx, err := s.Put(r.PathValue("key"), body, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	setMeta(w, idx)
	writeJSON(w, http.StatusOK, ok)
}

func (s *Store) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	cas, err := parseUintParam(r, "cas")
	if err != nil {
		writeError(w, err)
		return
	}
	ok, idx := s.Delete(r.PathValue("key"), r.URL.Query().Has("recurse"), cas)
	setMeta(w, idx)
	writeJSON(w, http.StatusOK, ok)
}

func (s *Store) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req api.SessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, api.Validation("session.create", "invalid request body: %v", err))
			return
		}
	}
	id, idx, err := s.CreateSession(req)
	if err != nil {
		writeError(w, err)
		return
	}
	setMeta(w, idx)
	writeJSON(w, http.StatusOK, api.SessionCreateResponse{ID: id})
}

func (s *Store) handleSessionRenew(w http.ResponseWriter, r *http.Request) {
	entry, idx, err := s.RenewSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	setMeta(w, idx)
	writeJSON(w, http.StatusOK, []*api.SessionEntry{entry})
}

func (s *Store) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	idx := s.DestroySession(r.PathValue("id"))
	setMeta(w, idx)
	writeJSON(w, http.StatusOK, true)
}

func (s *Store) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, idx := s.SessionInfo(r.Context(), r.PathValue("id"), q)
	setMeta(w, idx)
	if entry == nil {
		writeJSON(w, http.StatusOK, []*api.SessionEntry{})
		return
	}
	writeJSON(w, http.StatusOK, []*api.SessionEntry{entry})
}

func (s *Store) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, idx := s.Sessions(r.Context(), q)
	setMeta(w, idx)
	if entries == nil {
		entries = []*api.SessionEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeError(w http.ResponseWriter, err error) {
	var v *api.ValidationError
	switch {
	case errors.As(err, &v):
		writeStatus(w, http.StatusBadRequest, v.Msg)
	case errors.Is(err, ErrSessionNotFound):
		writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSession):
		writeStatus(w, http.StatusInternalServerError, "invalid session")
	default:
		writeStatus(w, http.StatusInternalServerError, err.Error())
	}
}
