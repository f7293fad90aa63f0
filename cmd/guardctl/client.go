package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/api"
)

// apiClient talks to the guard server's operator endpoints.
type apiClient struct {
	base string
	key  string
	http *http.Client
}

func newAPIClient(base, key string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		key:  key,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e api.ErrorResp
		if json.Unmarshal(body, &e) == nil && e.Detail != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) stats(ctx context.Context, hours int) (*api.StatsResp, error) {
	var out api.StatsResp
	q := url.Values{"hours": {strconv.Itoa(hours)}}
	if err := c.do(ctx, http.MethodGet, "/api/guard/stats", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) events(ctx context.Context, q url.Values) (*api.EventListResp, error) {
	var out api.EventListResp
	if err := c.do(ctx, http.MethodGet, "/api/guard/events", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) clearCooldown(ctx context.Context, hash string) (int, error) {
	var out api.ClearCooldownResp
	if err := c.do(ctx, http.MethodPost, "/api/guard/cooldowns/"+url.PathEscape(hash)+"/clear", nil, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

func (c *apiClient) reloadPolicy(ctx context.Context) (*api.PolicyReloadResp, error) {
	var out api.PolicyReloadResp
	if err := c.do(ctx, http.MethodPost, "/api/guard/policy/reload", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
