package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bulksms/internal/control"
	"bulksms/internal/notify"
	logx "bulksms/pkg/logx"
)

const maxBody = 4 << 20

type startRequest struct {
	Message string   `json:"message"`
	Numbers []string `json:"numbers"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, control.ErrInvalidArgs) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGS", err.Error())
		return
	}
	s.log.Error("request failed", logx.String("op", op), logx.String("path", r.URL.Path), logx.Err(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGS", "malformed body: "+err.Error())
		return
	}
	if err := s.deps.Control.Start(r.Context(), req.Numbers, req.Message); err != nil {
		s.fail(w, r, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Stop(r.Context()); err != nil {
		s.fail(w, r, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	running, err := s.deps.Control.Resume(r.Context())
	if err != nil {
		s.fail(w, r, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": running})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Control.Status(r.Context())
	if err != nil {
		s.fail(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st.Map())
}

func (s *Server) entries(w http.ResponseWriter, r *http.Request) {
	es, err := s.deps.Control.Entries(r.Context())
	if err != nil {
		s.fail(w, r, "entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": es})
}

// events streams status snapshots as server-sent events. The first event is
// the last one published on the bus, or the stored status before anything
// was published.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok || s.deps.Bus == nil {
		writeError(w, http.StatusNotImplemented, "UNSUPPORTED", "streaming not available")
		return
	}
	ch, unsub := s.deps.Bus.Subscribe(16)
	defer unsub()

	first, seen := s.deps.Bus.Last()
	if !seen {
		st, err := s.deps.Control.Status(r.Context())
		if err != nil {
			s.fail(w, r, "events", err)
			return
		}
		first = notify.Event{Kind: notify.KindStatus, Time: time.Now(), Status: st}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, first); err != nil {
		return
	}
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e notify.Event) error {
	b, err := json.Marshal(map[string]any{
		"kind":   e.Kind,
		"time":   e.Time,
		"status": e.Status.Map(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, b)
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"ok": true}
	code := http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			out["ok"] = false
			out["store"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			out["store"] = "ok"
		}
	}
	if s.deps.Health != nil {
		out["supervisor"] = s.deps.Health()
	}
	writeJSON(w, code, out)
}
