package marzban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"hubbot/internal/panel"
)

// Session holds an admin bearer token for a marzban-dialect panel. The
// token is fetched lazily and refreshed once when the panel answers 401.
type Session struct {
	api      *panel.Client
	username string
	password string

	mu    sync.Mutex
	token string
}

func NewSession(api *panel.Client, username, password string) *Session {
	s := &Session{api: api, username: username, password: password}
	api.Authorize = s.authorize
	return s
}

// Do sends r with the cached token, logging in again on an auth failure.
func (s *Session) Do(ctx context.Context, r panel.Request, out any) (json.RawMessage, error) {
	raw, err := s.api.Do(ctx, r, out)
	if err == nil || r.SkipAuth || !errors.Is(err, panel.ErrAuthFailed) {
		return raw, err
	}
	s.invalidate()
	return s.api.Do(ctx, r, out)
}

func (s *Session) authorize(ctx context.Context, req *http.Request) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", s.username)
	form.Set("password", s.password)

	var tok tokenResponse
	_, err := s.api.Do(ctx, panel.Request{
		Op:       "login",
		Method:   http.MethodPost,
		Path:     "/api/admin/token",
		Form:     form,
		SkipAuth: true,
	}, &tok)
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", s.api.Fail("login", panel.ErrAuthFailed, errors.New("empty access token"))
	}
	s.token = tok.AccessToken
	return s.token, nil
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
