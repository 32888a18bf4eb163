// Package httpapi wires the sync service and sharing ledger onto a chi
// router. Session resolution runs as a middleware ahead of every handler;
// /metrics stays outside the auth group.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncmesh/core/common/ids"
	"github.com/syncmesh/core/common/logging"
	"github.com/syncmesh/core/common/metrics"
	"github.com/syncmesh/core/common/syncerr"
	"github.com/syncmesh/core/syncserver/auth"
	"github.com/syncmesh/core/syncserver/ledger"
	"github.com/syncmesh/core/syncserver/model"
	"github.com/syncmesh/core/syncserver/policy"
	"github.com/syncmesh/core/syncserver/service"
)

type actorCtxKey struct{}

// Config configures the router.
type Config struct {
	Resolver   auth.Resolver
	Service    *service.Service
	Ledger     *ledger.Ledger
	Logger     logging.Logger
	DevEnabled bool // NODE_ENV != "production", gates POST /sync/dev/reset
	// CookieSecure (SESSION_COOKIE_SECURE) restricts the mo_session cookie
	// fallback to TLS requests; the x-session-token header is unaffected.
	CookieSecure bool
}

// NewRouter builds the chi router for the sync server's HTTP surface.
func NewRouter(cfg Config) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("httpapi", logging.Options{})
	}

	metrics.Register()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "x-session-token"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Resolver, cfg.CookieSecure, logger))

		r.Post("/sync/push", handlePush(cfg.Service, logger))
		r.Get("/sync/pull", handlePull(cfg.Service, logger))
		r.Post("/scopes/{scopeId}/invites", handleInvite(cfg.Ledger, logger))
		r.Get("/scopes/{scopeId}/key", handleScopeKey(cfg.Ledger, logger))
		r.Get("/scopes/{scopeId}/membership", handleMembership(cfg.Ledger, logger))
		r.Get("/scopes/{scopeId}/grants", handleGrants(cfg.Ledger, logger))
		r.Get("/keyvault/updates", handleKeyVaultUpdates(cfg.Ledger, logger))

		if cfg.DevEnabled {
			r.Post("/sync/dev/reset", handleDevReset(cfg.Service))
		}
	})

	return r
}

// authMiddleware resolves the session token from x-session-token or the
// mo_session cookie into a policy.Actor. With cookieSecure set, the cookie
// fallback is honored only on TLS connections, since the cookie was issued
// with the Secure attribute and a cleartext copy is not trustworthy.
func authMiddleware(resolver auth.Resolver, cookieSecure bool, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := req.Header.Get("x-session-token")
			if token == "" && (!cookieSecure || req.TLS != nil) {
				if cookie, err := req.Cookie("mo_session"); err == nil {
					token = cookie.Value
				}
			}
			if token == "" {
				writeError(w, &syncerr.Error{Kind: syncerr.KindAuth, Code: "missing_session", Message: "no session token"})
				return
			}

			identity, err := resolver.Resolve(req.Context(), token)
			if err != nil {
				logger.Debug("session resolution failed", "error", err)
				writeError(w, err)
				return
			}

			actor := policy.Actor{IdentityID: identity.IdentityID, Traits: identity.Traits}
			ctx := context.WithValue(req.Context(), actorCtxKey{}, actor)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func actorFromContext(ctx context.Context) policy.Actor {
	actor, _ := ctx.Value(actorCtxKey{}).(policy.Actor)
	return actor
}

type pushRequest struct {
	StoreID      string             `json:"storeId"`
	ExpectedHead int64              `json:"expectedHead"`
	Events       []model.InputEvent `json:"events"`
}

func handlePush(svc *service.Service, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body pushRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, &syncerr.Error{Kind: syncerr.KindValidation, Code: "invalid_body", Message: err.Error()})
			return
		}
		if err := ids.ValidateUUIDv7(body.StoreID); err != nil {
			writeError(w, &syncerr.Error{Kind: syncerr.KindValidation, Code: "invalid_store_id", Message: err.Error()})
			return
		}

		actor := actorFromContext(req.Context())
		result, err := svc.Push(req.Context(), actor, actor.IdentityID, body.StoreID, body.ExpectedHead, body.Events)
		if err != nil {
			metrics.PushTotal.WithLabelValues("error").Inc()
			writeError(w, err)
			return
		}

		status := http.StatusCreated
		outcome := "ok"
		if !result.OK {
			status = http.StatusConflict
			outcome = result.Reason
		}
		metrics.PushTotal.WithLabelValues(outcome).Inc()
		metrics.StoreHead.WithLabelValues(body.StoreID).Set(float64(result.Head))
		writeJSON(w, status, result)
	}
}

func handlePull(svc *service.Service, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		storeID := q.Get("storeId")
		if err := ids.ValidateUUIDv7(storeID); err != nil {
			writeError(w, &syncerr.Error{Kind: syncerr.KindValidation, Code: "invalid_store_id", Message: err.Error()})
			return
		}
		since := parseInt64(q.Get("since"), 0)
		limit := int(parseInt64(q.Get("limit"), 200))
		if limit <= 0 {
			limit = 200
		}
		waitMs := int(parseInt64(q.Get("waitMs"), 0))

		actor := actorFromContext(req.Context())
		result, err := svc.Pull(req.Context(), actor, actor.IdentityID, storeID, since, limit, waitMs)
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.PullTotal.WithLabelValues().Inc()
		writeJSON(w, http.StatusOK, result)
	}
}

func handleInvite(lg *ledger.Ledger, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scopeID := chi.URLParam(req, "scopeId")

		var body model.KeyEnvelope
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, &syncerr.Error{Kind: syncerr.KindValidation, Code: "invalid_body", Message: err.Error()})
			return
		}
		body.ScopeID = scopeID

		if err := lg.PutKeyEnvelope(req.Context(), body); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	}
}

func handleScopeKey(lg *ledger.Ledger, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scopeID := chi.URLParam(req, "scopeId")
		actor := actorFromContext(req.Context())
		epoch := parseInt64(req.URL.Query().Get("scopeEpoch"), 0)

		envelope, ok, err := lg.GetKeyEnvelope(req.Context(), scopeID, actor.IdentityID, epoch)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, &syncerr.Error{Kind: syncerr.KindAuth, Code: "no_envelope", Message: "no key envelope for this recipient/epoch"})
			return
		}
		writeJSON(w, http.StatusOK, envelope)
	}
}

// handleMembership returns the scope's ScopeState stream paginated by
// {since,limit} - clients replay and verify the chained records themselves
// - plus the latest Members blob as a convenience for callers that only
// need "who is in this scope right now".
func handleMembership(lg *ledger.Ledger, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scopeID := chi.URLParam(req, "scopeId")
		q := req.URL.Query()
		since := parseInt64(q.Get("since"), 0)
		limit := clampLimit(parseInt64(q.Get("limit"), 200))

		states, err := lg.LoadScopeStateSince(req.Context(), scopeID, since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		members, err := lg.ListScopeMembers(req.Context(), scopeID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"states":  states,
			"members": json.RawMessage(members),
		})
	}
}

// handleGrants serves both shapes of the grants read: with resourceId, the
// active grant for that (scope,resource); without, the scope's grant stream
// paginated by {since,limit}.
func handleGrants(lg *ledger.Ledger, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scopeID := chi.URLParam(req, "scopeId")
		q := req.URL.Query()

		if resourceID := q.Get("resourceId"); resourceID != "" {
			grant, ok, err := lg.GetActiveGrant(req.Context(), scopeID, resourceID)
			if err != nil {
				writeError(w, err)
				return
			}
			if !ok {
				writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"active": true, "grant": grant})
			return
		}

		since := parseInt64(q.Get("since"), 0)
		limit := clampLimit(parseInt64(q.Get("limit"), 200))
		grants, err := lg.LoadResourceGrantsSince(req.Context(), scopeID, since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
	}
}

func handleKeyVaultUpdates(lg *ledger.Ledger, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		actor := actorFromContext(req.Context())
		since := parseInt64(req.URL.Query().Get("since"), 0)
		limit := clampLimit(parseInt64(req.URL.Query().Get("limit"), 200))
		records, err := lg.LoadKeyVaultSince(req.Context(), actor.IdentityID, since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	}
}

type devResetRequest struct {
	StoreID string `json:"storeId"`
}

// handleDevReset implements POST /sync/dev/reset, gated by NODE_ENV at
// router-construction time (see Config.DevEnabled) and by the access
// policy's CanReset inside Service.Reset at request time.
func handleDevReset(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body devResetRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, &syncerr.Error{Kind: syncerr.KindValidation, Code: "invalid_body", Message: err.Error()})
			return
		}

		actor := actorFromContext(req.Context())
		if err := svc.Reset(req.Context(), actor, actor.IdentityID, body.StoreID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func clampLimit(v int64) int {
	if v <= 0 {
		return 200
	}
	if v > 1000 {
		return 1000
	}
	return int(v)
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var se *syncerr.Error
	status := http.StatusInternalServerError
	code := "internal"
	message := err.Error()

	if asErr(err, &se) {
		code = se.Code
		message = se.Message
		switch se.Kind {
		case syncerr.KindValidation:
			status = http.StatusBadRequest
		case syncerr.KindAuth:
			status = http.StatusForbidden
			if se.Code == "missing_session" || se.Code == "session_invalid" {
				status = http.StatusUnauthorized
			}
		case syncerr.KindConflict:
			status = http.StatusConflict
		case syncerr.KindProtocol:
			status = http.StatusUnprocessableEntity
		case syncerr.KindTransport:
			status = http.StatusBadGateway
		case syncerr.KindInternal:
			status = http.StatusInternalServerError
		}
	}

	writeJSON(w, status, map[string]interface{}{"ok": false, "reason": code, "message": message})
}

func asErr(err error, target **syncerr.Error) bool {
	se, ok := err.(*syncerr.Error)
	if ok {
		*target = se
	}
	return ok
}
