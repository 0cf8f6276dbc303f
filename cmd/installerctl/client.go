package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/installerkit/installerkit/internal/app"
	"github.com/installerkit/installerkit/pkg/identity"
)

const defaultServerURL = "http://localhost:8080"

// serverClient talks to the installer-server HTTP API.
type serverClient struct {
	baseURL    string
	httpClient *http.Client
	token      identity.TokenSource
	user       string
	roles      []string
	logger     *slog.Logger
}

func (o *options) client() *serverClient {
	base := strings.TrimRight(o.serverURL, "/")
	if base == "" {
		base = defaultServerURL
	}
	token := identity.EnvTokenSource("INSTALLER_TOKEN")
	if o.token != "" {
		token = identity.StaticTokenSource(o.token)
	}
	return &serverClient{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		user:       o.user,
		roles:      o.roles,
		logger:     slog.Default(),
	}
}

// doRequest sends body as JSON to the API path and decodes the response
// into out when out is non-nil. Status codes of 400 and above are errors.
func (c *serverClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	url := c.baseURL + app.APIPrefix + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok, err := c.token(ctx); err == nil {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.user != "" {
		req.Header.Set("X-Remote-User", c.user)
		if len(c.roles) > 0 {
			req.Header.Set("X-Remote-Group", strings.Join(c.roles, ","))
		}
	}

	c.logger.Debug("sending request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to installer-server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Message != "" {
				return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Message)
			}
			if errResp.Error != "" {
				return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
			}
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
