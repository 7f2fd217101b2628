package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"solidauth/oidc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(Config{Logger: testLogger()})
}

type blockingRedirect struct {
	entered   chan struct{}
	enterOnce sync.Once
	release   chan struct{}
	calls     atomic.Int32
}

func (b *blockingRedirect) CanHandle(string) bool { return true }

func (b *blockingRedirect) Handle(context.Context, string) (*oidc.RedirectResult, error) {
	b.calls.Add(1)
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.release
	return &oidc.RedirectResult{
		SessionID:  "s1",
		WebID:      "https://user.example/me",
		IsLoggedIn: true,
	}, nil
}

func TestHandleIncomingRedirectDropsConcurrentCall(t *testing.T) {
	m := newTestManager()
	s, err := m.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	blocker := &blockingRedirect{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.redirect = oidc.NewAggregateRedirectHandler(blocker)

	var wg sync.WaitGroup
	var winnerInfo *Info
	var winnerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		winnerInfo, winnerErr = s.HandleIncomingRedirect(context.Background(), "https://app.example/cb?code=a&state=b")
	}()

	<-blocker.entered
	// The first call holds the token request. A second redirect for the
	// same session must be dropped, not queued.
	info, err := s.HandleIncomingRedirect(context.Background(), "https://app.example/cb?code=a&state=b")
	if info != nil || err != nil {
		t.Fatalf("concurrent call: info=%v err=%v, want nil, nil", info, err)
	}

	close(blocker.release)
	wg.Wait()

	if winnerErr != nil {
		t.Fatalf("winning call: %v", winnerErr)
	}
	if winnerInfo == nil || !winnerInfo.IsLoggedIn || winnerInfo.WebID != "https://user.example/me" {
		t.Fatalf("winning call info = %+v", winnerInfo)
	}
	if blocker.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", blocker.calls.Load())
	}

	// With the first call finished the guard is released again.
	if _, err := s.HandleIncomingRedirect(context.Background(), "https://app.example/cb?code=a&state=b"); err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
}

func TestSessionEmitsLoginEvent(t *testing.T) {
	m := newTestManager()
	s, err := m.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	var got Info
	s.Events.On(oidc.EventLogin, func(payload any) {
		got, _ = payload.(Info)
	})

	done := &blockingRedirect{entered: make(chan struct{}), release: make(chan struct{})}
	close(done.release)
	s.redirect = oidc.NewAggregateRedirectHandler(done)

	if _, err := s.HandleIncomingRedirect(context.Background(), "u"); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	if !got.IsLoggedIn || got.WebID != "https://user.example/me" {
		t.Fatalf("login event payload = %+v", got)
	}
}

func TestLoggedOutSessionFetchesPlain(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	m := NewManager(Config{Logger: testLogger(), HTTPClient: srv.Client()})
	s, err := m.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := s.Fetch(req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "" {
		t.Fatalf("logged-out fetch carried Authorization %q", gotAuth)
	}
}

func TestLogoutClearsCredentials(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	s, err := m.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	id := s.ID()

	err = m.d.store.SetForUser(ctx, id, map[string]string{
		"refreshToken": "r1",
		"publicKey":    "jwk-pub",
		"privateKey":   "jwk-priv",
	}, true)
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
	err = m.d.store.SetForUser(ctx, id, map[string]string{"clientId": "c1", "isLoggedIn": "true"}, false)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	s.mu.Lock()
	s.info.IsLoggedIn = true
	s.info.WebID = "https://user.example/me"
	s.mu.Unlock()

	logoutSeen := false
	s.Events.On(oidc.EventLogout, func(any) { logoutSeen = true })

	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !logoutSeen {
		t.Fatalf("logout event not emitted")
	}
	if s.Info().IsLoggedIn || s.Info().WebID != "" {
		t.Fatalf("info after logout = %+v", s.Info())
	}
	if _, ok, _ := m.d.store.GetForUser(ctx, id, "refreshToken", true); ok {
		t.Fatalf("refresh token survived logout")
	}
	for _, field := range []string{"publicKey", "privateKey"} {
		if _, ok, _ := m.d.store.GetForUser(ctx, id, field, true); ok {
			t.Fatalf("%s survived logout", field)
		}
	}
	// The client registration survives for the next login.
	if v, ok, _ := m.d.store.GetForUser(ctx, id, "clientId", false); !ok || v != "c1" {
		t.Fatalf("client registration lost on logout")
	}
}

func TestSessionExpiryEmitsEvent(t *testing.T) {
	m := newTestManager()
	s, err := m.NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	expired := make(chan struct{})
	s.Events.On(oidc.EventSessionExpired, func(any) { close(expired) })

	var timeoutSet time.Duration
	s.Events.On(oidc.EventTimeoutSet, func(payload any) {
		timeoutSet, _ = payload.(time.Duration)
	})

	// An expiry in the past fires immediately.
	s.applyLogin("https://user.example/me", "", nil, nil, time.Now().Add(10*time.Millisecond))

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatalf("session expiry never fired")
	}
	if timeoutSet <= 0 {
		t.Fatalf("timeoutSet payload = %v", timeoutSet)
	}
	if s.Info().IsLoggedIn {
		t.Fatalf("expired session still logged in")
	}
}
