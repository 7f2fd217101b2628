package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"solidauth/oidc"
	"solidauth/session"
)

// App serves the redirect listener: it starts interactive logins, receives
// the issuer's redirects, and exposes the resulting sessions over HTTP.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Manager *session.Manager
}

// New wires the application.
func New(cfg Config, logger *slog.Logger, manager *session.Manager) *App {
	return &App{Config: cfg, Logger: logger, Manager: manager}
}

// handleLogin starts an interactive login and sends the user agent to the
// issuer's authorization page.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	issuer := r.URL.Query().Get("issuer")
	if issuer == "" {
		issuer = a.Config.Login.Issuer
	}
	if issuer == "" {
		http.Error(w, "missing issuer", http.StatusBadRequest)
		return
	}

	s, err := a.Manager.NewSession(r.Context())
	if err != nil {
		a.Logger.Error("create session", "error", err)
		http.Error(w, "could not create session", http.StatusInternalServerError)
		return
	}
	a.setSessionCookie(w, s.ID())

	err = s.Login(r.Context(), oidc.LoginOptions{
		Issuer:      issuer,
		RedirectURL: a.Config.RedirectURL(),
		ClientID:    a.Config.Login.ClientID,
		ClientSecret: a.Config.Login.ClientSecret,
		ClientName:  a.Config.Login.ClientName,
		TokenType:   a.Config.Login.TokenType,
		KeepAlive:   a.Config.Login.KeepAlive,
		HandleRedirect: func(authorizationURL string) error {
			http.Redirect(w, r, authorizationURL, http.StatusFound)
			return nil
		},
	})
	if err != nil {
		a.Logger.Error("login", "error", err, "issuer", issuer)
		http.Error(w, "login failed", http.StatusBadGateway)
	}
}

// handleCallback completes the login when the issuer redirects back.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	redirectURL := a.Config.RedirectURL()
	if r.URL.RawQuery != "" {
		redirectURL += "?" + r.URL.RawQuery
	}

	s, info, err := a.Manager.HandleIncomingRedirect(r.Context(), redirectURL)
	if err != nil {
		if errors.Is(err, oidc.ErrUnknownState) {
			http.Error(w, "unknown login state", http.StatusBadRequest)
			return
		}
		a.Logger.Error("redirect handling", "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}
	if info == nil {
		// A concurrent redirect for the same session is already running.
		http.Error(w, "login already in progress", http.StatusConflict)
		return
	}
	a.setSessionCookie(w, s.ID())
	http.Redirect(w, r, "/session", http.StatusFound)
}

// handleSession reports the current session state.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	s := a.sessionFromCookie(w, r)
	if s == nil {
		return
	}
	info := s.Info()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessionId":  info.SessionID,
		"webId":      info.WebID,
		"clientId":   info.ClientAppID,
		"isLoggedIn": info.IsLoggedIn,
	})
}

// handleResource fetches a remote resource with the session's credentials
// and relays it, the HTTP face of the authenticated fetch.
func (a *App) handleResource(w http.ResponseWriter, r *http.Request) {
	s := a.sessionFromCookie(w, r)
	if s == nil {
		return
	}
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}
	resp, err := s.Fetch(req)
	if err != nil {
		a.Logger.Error("resource fetch", "error", err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleLogout ends the session, preferring RP-initiated logout at the
// issuer when available.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	s := a.sessionFromCookie(w, r)
	if s == nil {
		return
	}
	logoutURL := s.LogoutURL(a.Config.Login.PostLogoutURL)

	if err := s.Logout(r.Context()); err != nil {
		a.Logger.Error("logout", "error", err)
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	a.clearSessionCookie(w)

	if logoutURL != "" {
		http.Redirect(w, r, logoutURL, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) sessionFromCookie(w http.ResponseWriter, r *http.Request) *session.Session {
	cookie, err := r.Cookie(a.Config.Server.CookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return nil
	}
	s, err := a.Manager.GetSession(r.Context(), cookie.Value)
	if err != nil {
		http.Error(w, "no session", http.StatusUnauthorized)
		return nil
	}
	return s
}

func (a *App) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.Config.Server.CookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *App) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.Config.Server.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
