package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/contextforge/forgehost/internal/session"
	"github.com/contextforge/forgehost/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleProfilesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.sessions.Profiles(r.Context())
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeData(w, http.StatusOK, profiles)

	case http.MethodPost:
		var req session.CreateProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.sessions.CreateProfile(r.Context(), req)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeData(w, http.StatusCreated, profile)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleProfileSubroutes dispatches /profiles/{id}, /profiles/active and
// /profiles/{id}/{action}.
func (s *Server) handleProfileSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/profiles/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "profile id missing")
		return
	}

	if id == "active" && len(parts) == 1 {
		s.handleActiveProfile(w, r)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetProfile(w, r, id)
		case http.MethodPatch, http.MethodPut:
			s.handleUpdateProfile(w, r, id)
		case http.MethodDelete:
			s.handleDeleteProfile(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "switch":
		result, err := s.sessions.SwitchProfile(r.Context(), id)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeData(w, http.StatusOK, result.Profile)
	case "login":
		result, err := s.sessions.LoginWithProfile(r.Context(), id)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeData(w, http.StatusOK, result.Profile)
	default:
		writeError(w, http.StatusNotFound, "unknown profile action")
	}
}

func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	profile, ok := s.sessions.ActiveProfile()
	if !ok {
		writeOperationError(w, session.ErrNoActiveProfile)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, id string) {
	profile, err := s.sessions.GetProfile(r.Context(), id)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, id string) {
	var req session.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	profile, err := s.sessions.UpdateProfile(r.Context(), id, req)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeData(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.sessions.DeleteProfile(r.Context(), id); err != nil {
		writeOperationError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.sessions.Logout(r.Context()); err != nil {
		writeOperationError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleTestCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		APIURL   string `json:"apiUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result := s.sessions.TestCredentials(r.Context(), req.Email, req.Password, req.APIURL)
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.worker.Status()
	writeData(w, http.StatusOK, map[string]any{
		"status":        status,
		"uptimeSeconds": int(s.worker.Uptime().Seconds()),
	})
}

func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.worker.Restart(r.Context()); err != nil {
		writeOperationError(w, err)
		return
	}
	writeData(w, http.StatusOK, s.worker.Status())
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data := map[string]any{
		"version":       version.String(),
		"startTime":     s.startTime.Format(time.RFC3339),
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"worker":        s.worker.Status(),
	}
	if profile, ok := s.sessions.ActiveProfile(); ok {
		data["activeProfile"] = profile
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleDaemonShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.shutdownMu.RLock()
	shutdown := s.shutdownFn
	s.shutdownMu.RUnlock()

	if shutdown == nil {
		writeError(w, http.StatusNotImplemented, "daemon shutdown not available")
		return
	}

	// Trigger shutdown asynchronously so the 202 can be written first.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Printf("[APIServer] shutdown handler returned error: %v", err)
		}
	}()

	writeData(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})
}
