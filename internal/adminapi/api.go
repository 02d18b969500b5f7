// Package adminapi is the administrative surface for the login override
// table and the account creation exemption list.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/iplimit/internal/creation"
	"github.com/keithlinneman/iplimit/internal/httpmw"
	"github.com/keithlinneman/iplimit/internal/ipaddr"
	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/policy"
)

// Overrides is the login override table.
type Overrides interface {
	AddOverride(ctx context.Context, address string, p policy.Policy, description string) error
	RemoveOverride(ctx context.Context, address string) error
	ListOverrides() []policy.Override
	Default() policy.Policy
}

// Exemptions is the creation exemption list.
type Exemptions interface {
	AddExemption(ctx context.Context, address, description string, canCreate bool) error
	RemoveExemption(ctx context.Context, address string) error
	ListExemptions(ctx context.Context) ([]creation.Exemption, error)
}

type Options struct {
	Logger     log.Logger
	Auth       *Authenticator
	Overrides  Overrides
	Exemptions Exemptions
	// AllowList is applied to overrides added without an explicit policy.
	AllowList policy.Policy
}

type API struct {
	auth       *Authenticator
	overrides  Overrides
	exemptions Exemptions
	allowList  policy.Policy
	logger     log.Logger
}

func NewAPI(opts Options) *API {
	return &API{
		auth:       opts.Auth,
		overrides:  opts.Overrides,
		exemptions: opts.Exemptions,
		allowList:  opts.AllowList,
		logger:     log.OrNop(opts.Logger),
	}
}

// RegisterRoutes mounts the admin endpoints under /v1/admin behind bearer
// auth.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(httpmw.Scope("adminapi"), api.auth.Middleware)

		r.Get("/overrides", api.HandleListOverrides)
		r.Post("/overrides", api.HandleAddOverride)
		r.Delete("/overrides/{address}", api.HandleRemoveOverride)

		if api.exemptions != nil {
			r.Get("/exemptions", api.HandleListExemptions)
			r.Post("/exemptions", api.HandleAddExemption)
			r.Delete("/exemptions/{address}", api.HandleRemoveExemption)
		}
	})
}

type OverrideList struct {
	Default   policy.Policy     `json:"default"`
	Overrides []policy.Override `json:"overrides"`
}

type AddOverrideRequest struct {
	Address     string         `json:"address"`
	Description string         `json:"description"`
	Policy      *policy.Policy `json:"policy,omitempty"`
}

type ExemptionList struct {
	Exemptions []creation.Exemption `json:"exemptions"`
}

type AddExemptionRequest struct {
	Address     string `json:"address"`
	Description string `json:"description"`
	CanCreate   *bool  `json:"can_create,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (api *API) HandleListOverrides(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, OverrideList{
		Default:   api.overrides.Default(),
		Overrides: api.overrides.ListOverrides(),
	})
}

func (api *API) HandleAddOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req AddOverrideRequest
	if !api.decode(w, r, &req) {
		return
	}
	p := api.allowList
	if req.Policy != nil {
		p = *req.Policy
	}
	if err := api.overrides.AddOverride(ctx, req.Address, p, req.Description); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.logger.Info(ctx, "admin added override", "subject", Subject(ctx), "address", req.Address)
	api.writeJSON(ctx, w, http.StatusCreated, policy.Override{Address: req.Address, Policy: p, Description: req.Description})
}

func (api *API) HandleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := chi.URLParam(r, "address")
	if err := api.overrides.RemoveOverride(ctx, addr); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.logger.Info(ctx, "admin removed override", "subject", Subject(ctx), "address", addr)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleListExemptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := api.exemptions.ListExemptions(ctx)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if list == nil {
		list = []creation.Exemption{}
	}
	api.writeJSON(ctx, w, http.StatusOK, ExemptionList{Exemptions: list})
}

func (api *API) HandleAddExemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req AddExemptionRequest
	if !api.decode(w, r, &req) {
		return
	}
	canCreate := true
	if req.CanCreate != nil {
		canCreate = *req.CanCreate
	}
	if err := api.exemptions.AddExemption(ctx, req.Address, req.Description, canCreate); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.logger.Info(ctx, "admin added exemption", "subject", Subject(ctx), "address", req.Address)
	api.writeJSON(ctx, w, http.StatusCreated, creation.Exemption{Address: req.Address, Description: req.Description, CanCreate: canCreate})
}

func (api *API) HandleRemoveExemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := chi.URLParam(r, "address")
	if err := api.exemptions.RemoveExemption(ctx, addr); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.logger.Info(ctx, "admin removed exemption", "subject", Subject(ctx), "address", addr)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps store errors to status codes. Validation and conflict
// errors are the caller's; anything else is the store's.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, ipaddr.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrDuplicateAddress):
		status = http.StatusConflict
	case errors.Is(err, policy.ErrNotFound):
		status = http.StatusNotFound
	default:
		api.logger.Error(ctx, err, "admin store write failed")
		api.writeJSON(ctx, w, status, ErrorResponse{Error: "store unavailable"})
		return
	}
	api.writeJSON(ctx, w, status, ErrorResponse{Error: err.Error()})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
