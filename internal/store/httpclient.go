package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/asheshgoplani/deck-driver/internal/button"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPStore talks to the external button config API. It implements the
// same Store interface as the sqlite store so the driver can point at
// either through config.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore builds a client for the config API at baseURL, e.g.
// "http://localhost:8384". A zero timeout gets the default bound.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Close() error { return nil }

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: marshal request: %w", err)
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("store: decode response: %w", err)
		}
	}
	return nil
}

func (s *HTTPStore) ListButtons(ctx context.Context) ([]button.Config, error) {
	var out []button.Config
	if err := s.do(ctx, http.MethodGet, "/api/buttons", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) GetButton(ctx context.Context, id int) (button.Config, error) {
	var out button.Config
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/api/buttons/%d", id), nil, &out); err != nil {
		return button.Config{}, err
	}
	return out, nil
}

func (s *HTTPStore) UpdateButton(ctx context.Context, btn button.Config) error {
	return s.do(ctx, http.MethodPut, fmt.Sprintf("/api/buttons/%d", btn.ID), btn, nil)
}

// CreateButton adds a new button definition.
func (s *HTTPStore) CreateButton(ctx context.Context, btn button.Config) error {
	return s.do(ctx, http.MethodPost, "/api/buttons", btn, nil)
}

// DeleteButton removes a button definition.
func (s *HTTPStore) DeleteButton(ctx context.Context, id int) error {
	return s.do(ctx, http.MethodDelete, fmt.Sprintf("/api/buttons/%d", id), nil, nil)
}

func (s *HTTPStore) GetVariables(ctx context.Context) (button.Variables, error) {
	var out button.Variables
	if err := s.do(ctx, http.MethodGet, "/api/variables", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(button.Variables)
	}
	return out, nil
}

func (s *HTTPStore) SetVariables(ctx context.Context, vars button.Variables) error {
	return s.do(ctx, http.MethodPut, "/api/variables", vars, nil)
}

// SetButtonState publishes display state for the renderer. The API treats
// it as advisory; an endpoint that does not implement it returns 404,
// which is ignored here so monitors keep working against older servers.
func (s *HTTPStore) SetButtonState(ctx context.Context, id int, state DisplayState) error {
	err := s.do(ctx, http.MethodPut, fmt.Sprintf("/api/buttons/%d/state", id), state, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
