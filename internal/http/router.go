package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/admin"
	auditsvc "github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/audit"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/auth"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/org"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/profile"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/ws"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      config.APIConfig
	auth     auth.Service
	admin    admin.Service
	profile  profile.Service
	org      org.Service
	auditLog auditsvc.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitImport    = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, cfg config.APIConfig, authSvc auth.Service, adminSvc admin.Service, profileSvc profile.Service, orgSvc org.Service, auditSvc auditsvc.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		cfg:      cfg,
		auth:     authSvc,
		admin:    adminSvc,
		profile:  profileSvc,
		org:      orgSvc,
		auditLog: auditSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/verify", r.audit("auth_verify", r.withRateLimit("auth_verify", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handleVerify)))
	r.mux.HandleFunc("/auth/whoami", r.audit("auth_whoami", r.handleWhoAmI))
	r.mux.HandleFunc("/auth/signout", r.audit("auth_signout", r.handleSignOut))
	r.mux.HandleFunc("/orgs", r.audit("orgs", r.handleOrgs))
	r.mux.HandleFunc("/orgs/", r.audit("org_detail", r.handleOrgDetail))
	r.mux.HandleFunc("/profiles/", r.audit("profile_public", r.handlePublicProfile))
	r.mux.HandleFunc("/profile", r.audit("profile_self", r.handlerAuthRate("profile_self", rateLimitUserWrite, rateWindowDefault, r.handleSelfProfile)))
	r.mux.HandleFunc("/admin/users", r.audit("admin_users", r.handlerAuthRate("admin_users", rateLimitUserRead, rateWindowDefault, r.handleAdminUsers)))
	r.mux.HandleFunc("/admin/users/", r.audit("admin_user_subroutes", r.handleAdminUserSubroutes))
	r.mux.HandleFunc("/admin/audit", r.audit("admin_audit", r.requireStaff(r.withRateLimit("admin_audit", rateLimitUserRead, rateWindowDefault, r.rateLimitKeyUser, r.handleAuditLog))))
	r.mux.HandleFunc("/ws/audit", r.audit("ws_audit", r.requireSuperuser(r.withRateLimit("ws_audit", rateLimitWebsocket, rateWindowRealtime, r.rateLimitKeyUser, r.handleAuditWS))))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Register(req.Context(), payload.Username, payload.Password, payload.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrInactiveAccount) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userPayload(user.ID, user.Username, user.IsStaff, user.IsSuperuser),
		"tokens": tokens,
	})
}

func (r *Router) handleVerify(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, _, err := r.auth.Authorize(req.Context(), payload.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": userPayload(user.ID, user.Username, user.IsStaff, user.IsSuperuser),
	})
}

// handleWhoAmI never fails: anonymous callers get a null user.
func (r *Router) handleWhoAmI(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	user, _, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": userPayload(user.ID, user.Username, user.IsStaff, user.IsSuperuser),
	})
}

func (r *Router) handleSignOut(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleOrgs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	orgs, err := r.org.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (r *Router) handleOrgDetail(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/orgs/")
	parts := strings.Split(trimmed, "/")
	slug := parts[0]
	if slug == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "join" {
		r.handlerAuthRate("org_join", rateLimitUserWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleOrgJoin(w, req, slug)
		})(w, req)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	organization, err := r.org.Get(req.Context(), slug)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organization)
}

func (r *Router) handleOrgJoin(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for org join", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if err := r.profile.JoinOrganization(req.Context(), info.user(), slug); err != nil {
		if errors.Is(err, profile.ErrOrgClosed) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		r.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handlePublicProfile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	username := strings.TrimPrefix(req.URL.Path, "/profiles/")
	if username == "" || strings.Contains(username, "/") {
		r.notFound(w)
		return
	}
	prof, err := r.profile.Get(req.Context(), username)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (r *Router) handleSelfProfile(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for self profile", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		prof, err := r.profile.Get(req.Context(), info.Username)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prof)
	case http.MethodPut:
		var payload profile.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		prof, err := r.profile.Update(req.Context(), info.user(), payload)
		if err != nil {
			if errors.Is(err, profile.ErrNotMember) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prof)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAdminUsers(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for admin users", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		params, err := listParamsFromQuery(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		users, total, err := r.admin.ListUsers(req.Context(), info.user(), params)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   total,
			"results": users,
		})
	case http.MethodPost:
		var payload admin.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user, err := r.admin.CreateUser(req.Context(), info.user(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAdminUserSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/admin/users/")
	switch trimmed {
	case "":
		r.notFound(w)
		return
	case "act":
		r.handlerAuthRate("admin_users_act", rateLimitUserWrite, rateWindowDefault, r.handleBulkAction)(w, req)
		return
	case "import":
		r.handleImportRoute(w, req)
		return
	}
	parts := strings.Split(trimmed, "/")
	username := parts[0]
	if username == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "password" {
		r.handlerAuthRate("admin_user_password", rateLimitUserWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handlePasswordReset(w, req, username)
		})(w, req)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	r.handlerAuthRate("admin_user_detail", rateLimitUserWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		r.handleAdminUserDetail(w, req, username)
	})(w, req)
}

func (r *Router) handleAdminUserDetail(w http.ResponseWriter, req *http.Request, username string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for user detail", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		user, err := r.admin.GetUser(req.Context(), info.user(), username)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var payload admin.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user, err := r.admin.UpdateUser(req.Context(), info.user(), username, payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := r.admin.DeleteUser(req.Context(), info.user(), username); err != nil {
			r.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePasswordReset(w http.ResponseWriter, req *http.Request, username string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for password reset", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := r.auth.ResetPassword(req.Context(), info.user(), username, payload.Password, payload.PasswordConfirm)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, auth.ErrResetForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrPasswordRequired), errors.Is(err, auth.ErrPasswordMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.writeServiceError(w, err)
	}
}

func (r *Router) handleBulkAction(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for bulk action", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Action string `json:"action"`
		Data   struct {
			Users []string `json:"users"`
		} `json:"data"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := r.admin.BulkAction(req.Context(), info.user(), payload.Action, payload.Data.Users)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, admin.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unrecognized action '%s'", payload.Action))
	case errors.Is(err, admin.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleImportRoute(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodOptions:
		writeJSON(w, http.StatusOK, map[string]any{"file_format": admin.FileFormat()})
	case http.MethodPost:
		r.handlerAuthRate("admin_users_import", rateLimitImport, rateWindowDefault, r.handleImport)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleImport(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for import", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	maxBytes := r.cfg.ImportMaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	if err := req.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse multipart form")
		return
	}
	file, _, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	result, err := r.admin.Import(req.Context(), info.user(), file)
	if err != nil {
		var validation *admin.ValidationError
		switch {
		case errors.As(err, &validation):
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": validation.Rows})
		case errors.Is(err, admin.ErrForbidden):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, admin.ErrEmptyFile),
			errors.Is(err, admin.ErrNoUsernameColumn),
			errors.Is(err, admin.ErrMalformedCSV),
			errors.Is(err, admin.ErrNothingToImport):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	body, err := result.CSV()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (r *Router) handleAuditLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	events, err := r.auditLog.List(req.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleAuditWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.auditLog.Hub()
	hub.Register(auditsvc.Channel, client)
	go func() {
		defer func() {
			hub.Unregister(auditsvc.Channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func listParamsFromQuery(req *http.Request) (admin.ListParams, error) {
	query := req.URL.Query()
	params := admin.ListParams{
		UsernamePrefix: strings.TrimSpace(query.Get("prefix")),
	}
	if page, err := strconv.Atoi(query.Get("page")); err == nil {
		params.Page = page
	}
	for name, dest := range map[string]**bool{
		"is_active":    &params.IsActive,
		"is_staff":     &params.IsStaff,
		"is_superuser": &params.IsSuperuser,
	} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return admin.ListParams{}, fmt.Errorf("invalid %s filter", name)
		}
		*dest = &value
	}
	for name, dest := range map[string]**time.Time{
		"joined_before": &params.JoinedBefore,
		"joined_after":  &params.JoinedAfter,
	} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		value, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return admin.ListParams{}, fmt.Errorf("invalid %s filter", name)
		}
		*dest = &value
	}
	return params, nil
}

func userPayload(id, username string, isStaff, isSuperuser bool) map[string]any {
	return map[string]any{
		"id":           id,
		"username":     username,
		"is_staff":     isStaff,
		"is_superuser": isSuperuser,
	}
}

// writeServiceError maps shared service failures onto HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admin.ErrForbidden), errors.Is(err, admin.ErrSuperuserOnly):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Username
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
