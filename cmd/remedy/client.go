package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/remedy/internal/api"
	"github.com/kalambet/remedy/internal/config"
)

const clientTimeout = 2 * time.Second

// apiClient reads from a remedy server running on this machine.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg config.Config) *apiClient {
	return &apiClient{
		base:  fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token: cfg.Server.APIToken,
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// serverHealth is the /health payload.
type serverHealth struct {
	Status     string `json:"status"`
	Generation bool   `json:"generation"`
	Retrieval  bool   `json:"retrieval"`
}

// errUnreachable means nothing answered on the server port.
var errUnreachable = errors.New("server not reachable, is `remedy serve` running?")

// serverError is a non-2xx reply. Type and Message come from the server's
// {"error": {...}} envelope when it sent one.
type serverError struct {
	Code    int
	Type    string
	Message string
}

func (e *serverError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Code, e.Type, e.Message)
}

func (c *apiClient) health(ctx context.Context) (serverHealth, error) {
	var h serverHealth
	err := c.get(ctx, "/health", &h)
	return h, err
}

func (c *apiClient) stats(ctx context.Context) (api.StatsBundle, error) {
	var st api.StatsBundle
	err := c.get(ctx, "/stats", &st)
	return st, err
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		se := &serverError{Code: resp.StatusCode}
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(data, &envelope) == nil {
			se.Type, se.Message = envelope.Error.Type, envelope.Error.Message
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
