package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/twicebuy/api/internal/platform/auth"
	"github.com/twicebuy/api/internal/platform/httpx"
	"github.com/twicebuy/api/internal/services"
)

// MeHandlers exposes authenticated profile endpoints for the current user.
type MeHandlers struct {
	authn *auth.Authenticator
	users services.UserService
}

// NewMeHandlers constructs handlers enforcing Firebase authentication before invoking the user service.
func NewMeHandlers(authn *auth.Authenticator, users services.UserService) *MeHandlers {
	return &MeHandlers{
		authn: authn,
		users: users,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getProfile)
	r.Put("/shipping", h.saveShipping)
	r.Delete("/shipping", h.clearShipping)
}

// getProfile returns the caller's profile, provisioning it on first access so
// a fresh Firebase sign-in immediately has a projection to read.
func (h *MeHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	cmd := services.EnsureProfileCommand{
		UserID: identity.UID,
		Email:  identity.Email,
		Locale: preferredLocale(r.Header.Get("Accept-Language")),
	}
	if record, err := identity.User(ctx); err == nil && record != nil {
		cmd.DisplayName = record.DisplayName
		cmd.PhotoURL = record.PhotoURL
	}

	profile, err := h.users.EnsureProfile(ctx, cmd)
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"profile": buildProfilePayload(profile)})
}

func (h *MeHandlers) saveShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	var req shippingPayload
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	shipping := req.toDomain()
	profile, err := h.users.SaveShipping(ctx, services.SaveShippingCommand{
		Viewer:   viewer,
		Shipping: &shipping,
	})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"profile": buildProfilePayload(profile)})
}

func (h *MeHandlers) clearShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		httpx.WriteError(ctx, w, httpx.NewError("user_service_unavailable", "user service is unavailable", http.StatusServiceUnavailable))
		return
	}
	viewer, ok := requireViewer(ctx, w)
	if !ok {
		return
	}

	profile, err := h.users.SaveShipping(ctx, services.SaveShippingCommand{Viewer: viewer})
	if err != nil {
		writeUserError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"profile": buildProfilePayload(profile)})
}

// preferredLocale extracts the first tag from an Accept-Language header.
func preferredLocale(header string) string {
	first, _, _ := strings.Cut(header, ",")
	first, _, _ = strings.Cut(first, ";")
	return strings.TrimSpace(first)
}
