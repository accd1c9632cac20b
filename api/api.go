// Package api exposes the host control surface over HTTP: session
// lifecycle, account and rule management, match testing, pending-reply
// inspection, and log export.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/telereply/account"
	"github.com/hazyhaar/telereply/idgen"
	"github.com/hazyhaar/telereply/kit"
	"github.com/hazyhaar/telereply/logstore"
	"github.com/hazyhaar/telereply/rule"
	"github.com/hazyhaar/telereply/schedule"
	"github.com/hazyhaar/telereply/session"
)

// Server wires the engine components behind a chi router.
type Server struct {
	log      *slog.Logger
	sessions *session.Manager
	sched    *schedule.Scheduler
	accounts *account.Store
	rules    *rule.Store
	logs     *logstore.Store

	// passwordHash is a bcrypt hash; empty disables authentication.
	passwordHash string
}

// New builds a Server. logs may be nil when the log store is disabled.
func New(logger *slog.Logger, sessions *session.Manager, sched *schedule.Scheduler,
	accounts *account.Store, rules *rule.Store, logs *logstore.Store, passwordHash string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:          logger,
		sessions:     sessions,
		sched:        sched,
		accounts:     accounts,
		rules:        rules,
		logs:         logs,
		passwordHash: passwordHash,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", s.handleSessionStatus)
				r.Post("/start", s.handleStartSession)
				r.Post("/stop", s.handleStopSession)
				r.Get("/pending", s.handleListPending)
				r.Post("/screenshot", s.handleScreenshot)
			})
		})

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Put("/", s.handleUpdateAccount)
				r.Delete("/", s.handleDeleteAccount)
				r.Get("/rules", s.handleListRules)
				r.Post("/rules", s.handleCreateRule)
				r.Post("/match", s.handleMatchMessage)
			})
		})

		r.Route("/api/rules/{ruleID}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/toggle", s.handleToggleRule)
			r.Post("/test", s.handleTestRule)
		})

		r.Route("/api/logs", func(r chi.Router) {
			r.Get("/", s.handleQueryLogs)
			r.Get("/export", s.handleExportLogs)
		})
	})

	return r
}

// --- middleware ---

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), idgen.New())
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.passwordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="telereply"`)
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Statuses())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	a := s.accounts.Get(accountID)
	if a == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown account"))
		return
	}
	if err := s.sessions.Start(r.Context(), a.ID, a.Name); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ListPending(chi.URLParam(r, "accountID")))
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	path, err := s.sessions.CaptureScreenshot(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// --- accounts ---

type accountRequest struct {
	Name    string  `json:"name"`
	Enabled *bool   `json:"enabled,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.List())
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	writeJSON(w, http.StatusCreated, s.accounts.Create(req.Name, enabled))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a := s.accounts.Get(chi.URLParam(r, "accountID"))
	if a == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown account"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var name *string
	if req.Name != "" {
		name = &req.Name
	}
	a := s.accounts.Update(chi.URLParam(r, "accountID"), name, req.Enabled, req.Notes)
	if a == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown account"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if !s.accounts.Delete(chi.URLParam(r, "accountID")) {
		writeError(w, http.StatusNotFound, errors.New("unknown account"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List(chi.URLParam(r, "accountID")))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.rules.Create(chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rl := s.rules.Get(chi.URLParam(r, "ruleID"))
	if rl == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown rule"))
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.rules.Update(chi.URLParam(r, "ruleID"), req)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.rules.Delete(chi.URLParam(r, "ruleID")) {
		writeError(w, http.StatusNotFound, errors.New("unknown rule"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rl, err := s.rules.Toggle(chi.URLParam(r, "ruleID"), req.Enabled)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// matchRequest carries a synthetic inbound message for testing rules
// without a live session. Neither endpoint using it commits stats.
type matchRequest struct {
	Message   string            `json:"message"`
	Sender    string            `json:"sender,omitempty"`
	ChatName  string            `json:"chatName,omitempty"`
	IsMention bool              `json:"isMention,omitempty"`
	IsPrivate bool              `json:"isPrivate,omitempty"`
	IsGroup   bool              `json:"isGroup,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"`
}

func (r matchRequest) split() (rule.Message, rule.Context) {
	msg := rule.Message{
		Text:         r.Message,
		Sender:       r.Sender,
		Conversation: r.ChatName,
		DetectedAt:   time.Now(),
	}
	mctx := rule.Context{
		IsMention: r.IsMention,
		IsPrivate: r.IsPrivate,
		IsGroup:   r.IsGroup,
		Vars:      r.Vars,
	}
	return msg, mctx
}

type matchResponse struct {
	Matched  bool       `json:"matched"`
	Rule     *rule.Rule `json:"rule,omitempty"`
	Response string     `json:"response,omitempty"`
}

func (s *Server) handleMatchMessage(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, mctx := req.split()
	res := rule.Match(s.rules.List(chi.URLParam(r, "accountID")), msg, mctx, time.Now(), nil)
	writeJSON(w, http.StatusOK, matchResponse{Matched: res.Matched, Rule: res.Rule, Response: res.Response})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, mctx := req.split()
	res := s.rules.Test(chi.URLParam(r, "ruleID"), msg, mctx)
	writeJSON(w, http.StatusOK, matchResponse{Matched: res.Matched, Rule: res.Rule, Response: res.Response})
}

// --- logs ---

func (s *Server) logFilter(r *http.Request) logstore.Filter {
	f := logstore.Filter{
		AccountID: r.URL.Query().Get("account"),
		Level:     r.URL.Query().Get("level"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		}
	}
	return f
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, errors.New("log store disabled"))
		return
	}
	recs, err := s.logs.Query(r.Context(), s.logFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, errors.New("log store disabled"))
		return
	}
	format, err := logstore.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="telereply-logs.`+string(format)+`"`)
	if err := s.logs.Export(r.Context(), w, format, s.logFilter(r)); err != nil {
		s.log.Error("api: log export failed", "error", err)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
