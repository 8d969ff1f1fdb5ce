package relay

import (
	"encoding/json"
	"net/http"
)

// SessionsHandler serves the live session table as JSON, ordered by
// public port.
func (s *Server) SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Sessions []SessionInfo `json:"sessions"`
		}{s.Sessions()}); err != nil {
			s.cfg.Logger.Debug("write session listing", "error", err)
		}
	})
}
