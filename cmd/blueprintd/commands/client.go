package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blueprintd/blueprintd/pkg/api"
)

// apiClient talks to a running daemon. Instance and reservation state is
// owned by the daemon process, so the CLI never opens the database for it.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient resolves the daemon address from --server or the settings.
func newAPIClient(server string) (*apiClient, error) {
	if server == "" {
		s, err := loadSettings()
		if err != nil {
			return nil, err
		}
		server = s.HTTP.Listen
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	if _, err := url.Parse(server); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// apiError is a decoded error envelope.
type apiError struct {
	Status int
	api.APIError
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach blueprintd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb api.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			return &apiError{Status: resp.StatusCode, APIError: api.APIError{Code: "HTTP_ERROR", Message: resp.Status}}
		}
		return &apiError{Status: resp.StatusCode, APIError: eb.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
