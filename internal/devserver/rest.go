package devserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/rest"
	"github.com/gastownhall/livechat/internal/wsbase"
)

const maxBodyBytes = 64 << 10

// scopeFunc extracts the scope a REST route addresses.
type scopeFunc func(r *http.Request) (protocol.Scope, bool)

func (s *Server) registerREST(api *mux.Router) {
	routes := map[string]scopeFunc{
		"/anonymous/messages": func(*http.Request) (protocol.Scope, bool) {
			return protocol.Anonymous(), true
		},
		"/conversations/{id}/messages": pathScope(protocol.Conversation),
		"/groups/{id}/messages":        pathScope(protocol.Group),
	}
	for path, scope := range routes {
		api.HandleFunc(path, s.listMessages(scope)).Methods(http.MethodGet, http.MethodOptions)
		api.HandleFunc(path, s.createMessage(scope)).Methods(http.MethodPost, http.MethodOptions)
		api.HandleFunc(path, s.deleteMessages(scope)).Methods(http.MethodDelete, http.MethodOptions)
	}
}

func pathScope(build func(string) protocol.Scope) scopeFunc {
	return func(r *http.Request) (protocol.Scope, bool) {
		id, err := url.PathUnescape(mux.Vars(r)["id"])
		if err != nil || strings.TrimSpace(id) == "" {
			return protocol.Scope{}, false
		}
		return build(id), true
	}
}

func (s *Server) listMessages(scopeOf scopeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := s.authorize(w, r, scopeOf)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, rest.ListResponse{Messages: s.store.list(scope)})
	}
}

func (s *Server) createMessage(scopeOf scopeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := s.authorize(w, r, scopeOf)
		if !ok {
			return
		}
		var out protocol.Outgoing
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&out); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if strings.TrimSpace(out.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		if out.SenderID == "" {
			writeError(w, http.StatusBadRequest, "sender_id is required")
			return
		}
		e := s.accept(scope, out, "rest")
		writeJSON(w, http.StatusCreated, rest.SendResponse{Message: e})
	}
}

func (s *Server) deleteMessages(scopeOf scopeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := s.authorize(w, r, scopeOf)
		if !ok {
			return
		}
		s.clear(scope)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scopeOf scopeFunc) (protocol.Scope, bool) {
	if !wsbase.IsAuthorizedRequest(s.authToken, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return protocol.Scope{}, false
	}
	scope, ok := scopeOf(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chat")
		return protocol.Scope{}, false
	}
	return scope, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
