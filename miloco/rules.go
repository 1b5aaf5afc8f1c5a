package miloco

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Rule is an automation rule as reported by the backend's HTTP API.
type Rule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition string `json:"condition,omitempty"`
	Enabled   bool   `json:"enabled"`
}

type listRulesResponse struct {
	Rules []Rule `json:"rules"`
}

type toggleRuleRequest struct {
	Enabled bool `json:"enabled"`
}

// ListRules fetches the backend's automation rules. Requires login; the
// bearer token travels as the same access_token cookie the query transport
// uses.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	raw, err := c.rulesCall(ctx, http.MethodGet, "/api/rules", nil)
	if err != nil {
		return nil, err
	}
	var out listRulesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("miloco rules: decode response: %w", err)
	}
	return out.Rules, nil
}

// ToggleRule enables or disables one rule by id.
func (c *Client) ToggleRule(ctx context.Context, id string, enabled bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("miloco rules: rule id is required")
	}
	_, err := c.rulesCall(ctx, http.MethodPost, "/api/rules/"+url.PathEscape(id)+"/toggle", toggleRuleRequest{Enabled: enabled})
	return err
}

func (c *Client) rulesCall(ctx context.Context, method, path string, payload any) ([]byte, error) {
	token, ok := c.creds.get()
	if !ok {
		return nil, ErrNotLoggedIn
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.httpBase+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", "access_token="+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("miloco rules: %w", err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired server-side; drop it so the chat flow re-prompts for
		// the password.
		c.creds.clear()
		return nil, ErrNotLoggedIn
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("miloco rules: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if readErr != nil {
		return nil, readErr
	}
	return raw, nil
}

// renderProposedRule formats a Confirmation.SaveRuleConfirm payload as a
// human-readable summary. Interactive confirmation is not supported over
// Telegram, so the summary is informational only.
func renderProposedRule(r proposedRule) string {
	var b strings.Builder
	b.WriteString("Miloco suggests creating an automation rule:\n\n")
	fmt.Fprintf(&b, "Name: %s\n", r.Name)
	fmt.Fprintf(&b, "Condition: %s\n", r.Condition)
	if len(r.ExecuteInfo.AIRecommendActionDescriptions) > 0 {
		fmt.Fprintf(&b, "Actions: %s\n", strings.Join(r.ExecuteInfo.AIRecommendActionDescriptions, ", "))
	}
	b.WriteString("\n(Note: Interactive confirmation is not yet supported via Telegram)")
	return b.String()
}
