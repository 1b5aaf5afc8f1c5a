package miloco

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// credentialStore holds the bearer token for the process lifetime. The token
// is never persisted; a restart means a fresh login.
type credentialStore struct {
	mu    sync.Mutex
	token string
}

func (s *credentialStore) configure(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *credentialStore) get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *credentialStore) clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
}

// login exchanges the secret for a token. Re-entrant only while
// unauthenticated: once a token is installed, login returns it without any
// network activity. The password travels as an MD5 hex digest for backend
// compatibility; this is not a security measure.
func (s *credentialStore) login(ctx context.Context, httpClient *http.Client, loginURL, username, secret string) (string, error) {
	if token, ok := s.get(); ok {
		return token, nil
	}

	digest := md5.Sum([]byte(secret))
	body, err := json.Marshal(loginRequest{
		Username: username,
		Password: hex.EncodeToString(digest[:]),
	})
	if err != nil {
		return "", &AuthError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Reason: "request failed", Err: err}
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Reason: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	if readErr != nil {
		return "", &AuthError{Reason: "read response", Err: readErr}
	}

	// The token arrives either as a Set-Cookie header or in the JSON body.
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "access_token" && cookie.Value != "" {
			s.configure(cookie.Value)
			return cookie.Value, nil
		}
	}

	var out loginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &AuthError{Reason: "decode response", Err: err}
	}
	token := strings.TrimSpace(out.AccessToken)
	if token == "" {
		token = strings.TrimSpace(out.Token)
	}
	if token == "" {
		return "", &AuthError{Reason: "no access_token in response headers or body"}
	}
	s.configure(token)
	return token, nil
}
