// Package hostapi exposes the admission hooks and the creation-rate query
// to game hosts over HTTP.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/iplimit/internal/admission"
	"github.com/keithlinneman/iplimit/internal/httpmw"
	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/log"
)

// Controller is the set of host hooks served here.
type Controller interface {
	OnIdentityAuthenticated(ctx context.Context, identity admission.IdentityID)
	OnSessionLogin(ctx context.Context, ev admission.LoginEvent) admission.Outcome
	OnSessionLogout(ctx context.Context, session admission.SessionHandle)
	OnSessionTick(ctx context.Context, session admission.SessionHandle, elapsed time.Duration)
}

// CreationLimiter answers the account creation query.
type CreationLimiter interface {
	IsCreationAllowed(ctx context.Context, address string) (bool, uint32, error)
	RecordCreation(ctx context.Context, address, identity, username string) error
}

type Options struct {
	Logger     log.Logger
	Controller Controller
	Creation   CreationLimiter
	// Effects serves GET /v1/effects when set.
	Effects http.Handler
	// Auth guards every host route, usually bearer auth for the host
	// audience. Nil limits the routes to loopback and private peers.
	Auth func(http.Handler) http.Handler
}

// API implements the host endpoints.
type API struct {
	ctrl     Controller
	creation CreationLimiter
	effects  http.Handler
	auth     func(http.Handler) http.Handler
	logger   log.Logger
}

func NewAPI(opts Options) *API {
	api := &API{
		ctrl:     opts.Controller,
		creation: opts.Creation,
		effects:  opts.Effects,
		auth:     opts.Auth,
		logger:   log.OrNop(opts.Logger),
	}
	if api.auth == nil {
		api.auth = httpmw.RequireNonPublicPeer(api.logger, "host api")
	}
	return api
}

// RegisterRoutes attaches the host endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(httpmw.Scope("hostapi"), api.auth)

		r.Post("/identities/{identity}/authenticated", api.HandleIdentityAuthenticated)
		r.Post("/sessions/login", api.HandleLogin)
		r.Post("/sessions/{session}/logout", api.HandleLogout)
		r.Post("/sessions/{session}/tick", api.HandleTick)
		if api.creation != nil {
			r.Post("/creation/check", api.HandleCreationCheck)
			r.Post("/creation/record", api.HandleCreationRecord)
		}
		if api.effects != nil {
			r.Method(http.MethodGet, "/effects", api.effects)
		}
	})
}

type LoginRequest struct {
	Session  string `json:"session"`
	Address  string `json:"address"`
	Identity string `json:"identity"`
	Username string `json:"username,omitempty"`
}

type LoginResponse struct {
	Outcome  string `json:"outcome"`
	Deferred bool   `json:"deferred"`
}

type TickRequest struct {
	ElapsedMillis int64 `json:"elapsed_ms"`
}

type CreationCheckRequest struct {
	Address string `json:"address"`
}

type CreationCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Current uint32 `json:"current"`
}

type CreationRecordRequest struct {
	Address  string `json:"address"`
	Identity string `json:"identity"`
	Username string `json:"username"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (api *API) HandleIdentityAuthenticated(w http.ResponseWriter, r *http.Request) {
	api.ctrl.OnIdentityAuthenticated(r.Context(), admission.IdentityID(chi.URLParam(r, "identity")))
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogin always answers 200; events missing data come back as
// "unrestricted" rather than as an error, matching the controller.
func (api *API) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LoginRequest
	if !api.decode(w, r, &req) {
		return
	}
	out := api.ctrl.OnSessionLogin(ctx, admission.LoginEvent{
		Session:  admission.SessionHandle(req.Session),
		Address:  req.Address,
		Identity: admission.IdentityID(req.Identity),
		Username: req.Username,
	})
	api.writeJSON(ctx, w, http.StatusOK, LoginResponse{Outcome: out.String(), Deferred: out.Deferred()})
}

func (api *API) HandleLogout(w http.ResponseWriter, r *http.Request) {
	api.ctrl.OnSessionLogout(r.Context(), admission.SessionHandle(chi.URLParam(r, "session")))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleTick(w http.ResponseWriter, r *http.Request) {
	// the body is optional
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	api.ctrl.OnSessionTick(r.Context(),
		admission.SessionHandle(chi.URLParam(r, "session")),
		time.Duration(req.ElapsedMillis)*time.Millisecond,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleCreationCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreationCheckRequest
	if !api.decode(w, r, &req) {
		return
	}
	allowed, n, err := api.creation.IsCreationAllowed(ctx, req.Address)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, CreationCheckResponse{Allowed: allowed, Current: n})
}

func (api *API) HandleCreationRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreationRecordRequest
	if !api.decode(w, r, &req) {
		return
	}
	if err := api.creation.RecordCreation(ctx, req.Address, req.Identity, req.Username); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, ipaddr.ErrInvalidAddress) {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	api.logger.Error(ctx, err, "host request failed")
	api.writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
