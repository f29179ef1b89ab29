// Package oauthflow runs the browser-facing connect flow: it sends the user
// to the provider's consent screen and turns the callback into stored
// credentials.
package oauthflow

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
)

// Token lifetime assumed when the provider omits expires_in.
const defaultLifetime = time.Hour

// TokenStore persists exchanged credentials.
type TokenStore interface {
	StoreTokens(ctx context.Context, g token.Grant) (*models.ProviderAccount, error)
}

type Options struct {
	// BaseURL is the public origin used for callback URLs.
	BaseURL string
	// ReturnPath is where the user lands after the flow.
	ReturnPath  string
	StateSecret string
	Client      *http.Client
}

type Controller struct {
	catalog    *catalog.Catalog
	registry   *providers.Registry
	store      TokenStore
	states     *StateCodec
	client     *http.Client
	baseURL    string
	returnPath string
	log        *logging.Logger
}

func NewController(cat *catalog.Catalog, registry *providers.Registry, store TokenStore, opts Options, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	returnPath := opts.ReturnPath
	if returnPath == "" {
		returnPath = "/"
	}
	return &Controller{
		catalog:    cat,
		registry:   registry,
		store:      store,
		states:     NewStateCodec(opts.StateSecret),
		client:     client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		returnPath: returnPath,
		log:        log,
	}
}

// Routes mounts /{provider}/start and /{provider}/callback.
func (c *Controller) Routes(r chi.Router) {
	r.Get("/{provider}/start", c.HandleStart)
	r.Get("/{provider}/callback", c.HandleCallback)
}

// RedirectURL is the callback registered with the provider.
func (c *Controller) RedirectURL(provider string) string {
	return c.baseURL + "/auth/" + provider + "/callback"
}

func (c *Controller) returnURL(key, value string) string {
	u := c.baseURL + c.returnPath
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + key + "=" + url.QueryEscape(value)
}

// HandleStart redirects to the provider's consent page.
func (c *Controller) HandleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	info, ok := c.catalog.Get(name)
	if !ok || !info.Enabled {
		apierr.Write(w, r, c.log, apierr.New(http.StatusNotFound, apierr.CodeUnknownProvider, "Unknown provider"))
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		apierr.Write(w, r, c.log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "user_id is required"))
		return
	}
	if !info.RuntimeEnabled {
		apierr.Write(w, r, c.log, apierr.New(http.StatusServiceUnavailable, apierr.CodeInternal, "Provider credentials are not configured"))
		return
	}

	if info.AuthMode == catalog.AuthModeWidget {
		c.startWidget(w, r, name, userID)
		return
	}

	state, err := c.states.Encode(State{
		UserID:    userID,
		ProfileID: r.URL.Query().Get("profile_id"),
		Provider:  name,
	})
	if err != nil {
		apierr.Write(w, r, c.log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Could not start authorization").WithInternal(err))
		return
	}
	target := info.OAuthConfig(c.RedirectURL(name)).AuthCodeURL(state)
	c.log.WithContext(r.Context()).Info("authorization started", "provider", name, "user_id", userID)
	http.Redirect(w, r, target, http.StatusFound)
}

func (c *Controller) startWidget(w http.ResponseWriter, r *http.Request, name, userID string) {
	var starter providers.WidgetStarter
	if p, ok := c.registry.Get(name); ok {
		starter, _ = p.(providers.WidgetStarter)
	}
	if starter == nil {
		apierr.Write(w, r, c.log, apierr.New(http.StatusNotFound, apierr.CodeUnknownProvider, "Provider has no hosted connect flow"))
		return
	}
	target, err := starter.WidgetSession(r.Context(), userID,
		c.returnURL("connected", name), c.returnURL("error", name))
	if err != nil {
		apierr.Write(w, r, c.log, apierr.New(http.StatusBadGateway, apierr.CodePullFailed, "Provider unavailable").WithInternal(err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback exchanges the authorization code and stores the tokens.
func (c *Controller) HandleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	log := c.log.WithContext(r.Context()).With("provider", name)
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		log.Info("authorization declined", "error", e, "description", q.Get("error_description"))
		c.renderFailure(w, http.StatusBadRequest, name, "The provider did not grant access ("+e+").")
		return
	}

	state, err := c.states.Decode(q.Get("state"))
	if err == nil && state.Provider != name {
		err = fmt.Errorf("%w: %s vs %s", ErrStateMismatch, state.Provider, name)
	}
	if err != nil {
		log.Warn("rejected oauth callback", "error", err)
		c.renderFailure(w, http.StatusBadRequest, name, "The authorization request could not be verified.")
		return
	}
	log = log.With("user_id", state.UserID)
	if state.Timestamp > 0 {
		log.Debug("oauth round trip", "elapsed", time.Since(time.Unix(state.Timestamp, 0)).Round(time.Second).String())
	}

	info, ok := c.catalog.Get(name)
	code := q.Get("code")
	if !ok || code == "" {
		c.renderFailure(w, http.StatusBadRequest, name, "The authorization response was incomplete.")
		return
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, c.client)
	tok, err := info.OAuthConfig(c.RedirectURL(name)).Exchange(ctx, code)
	if err != nil {
		log.Error("authorization code exchange failed", "error", err)
		c.renderFailure(w, http.StatusBadGateway, name, "The provider rejected the authorization code.")
		return
	}

	grant := token.Grant{
		UserID:         state.UserID,
		ProfileID:      state.ProfileID,
		Provider:       name,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExternalUserID: externalUserID(tok, state.UserID),
		ExpiresIn:      defaultLifetime,
	}
	if !tok.Expiry.IsZero() {
		grant.ExpiresIn = time.Until(tok.Expiry)
	}
	if _, err := c.store.StoreTokens(context.WithoutCancel(r.Context()), grant); err != nil {
		log.Error("failed to store tokens", "error", err)
		c.renderFailure(w, http.StatusInternalServerError, name, "The connection could not be saved.")
		return
	}
	log.Info("provider connected", "external_user_id", grant.ExternalUserID)
	c.renderSuccess(w, name)
}

// externalUserID reads the provider's id for the user from the token
// response, falling back to the application id.
func externalUserID(tok *oauth2.Token, fallback string) string {
	switch v := tok.Extra("user_id").(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return fallback
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>{{.Title}}</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; }
		.ok { color: #15803d; }
		.fail { color: #b91c1c; }
	</style>
</head>
<body>
	<h1 class="{{.Class}}">{{.Title}}</h1>
	<p>{{.Message}}</p>
	<p><a href="{{.Link}}">Back to your connections</a></p>
	{{if .Redirect}}<script>setTimeout(function () { window.location.href = {{.Redirect}}; }, 3000);</script>{{end}}
</body>
</html>`))

type page struct {
	Title    string
	Class    string
	Message  string
	Redirect string
	Link     string
}

func (c *Controller) renderSuccess(w http.ResponseWriter, provider string) {
	back := c.returnURL("connected", provider)
	c.render(w, http.StatusOK, page{
		Title:    "Connected",
		Class:    "ok",
		Message:  "Your " + provider + " account is now linked. Redirecting...",
		Redirect: back,
		Link:     back,
	})
}

func (c *Controller) renderFailure(w http.ResponseWriter, status int, provider, message string) {
	c.render(w, status, page{
		Title:   "Connection failed",
		Class:   "fail",
		Message: message,
		Link:    c.returnURL("error", provider),
	})
}

func (c *Controller) render(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, p); err != nil {
		c.log.Error("render page", "error", err)
	}
}
