// Package embed defines the embedding collaborator boundary.
//
// Embedding generation is external to the pipeline: the core only needs
// embed(text) -> vector, best-effort. Failures are non-fatal; a memory
// without a vector stays queryable by keys, just outside clustering.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable indicates the embedding collaborator could not produce a
// vector. Callers degrade rather than fail.
var ErrUnavailable = errors.New("embedding unavailable")

// Embedder generates a vector embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for the HTTP embedding client.
type Config struct {
	// BaseURL is the base URL of a TEI-compatible embedding server.
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name, passed through for servers that
	// multiplex models.
	Model string `koanf:"model"`

	// Timeout bounds a single embedding request.
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Client is an Embedder backed by a TEI-compatible HTTP server.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates an HTTP embedding client.
func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model,omitempty"`
}

// Embed requests a single embedding. Any transport or decode failure is
// wrapped in ErrUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: []string{text}, Model: c.config.Model})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: server returned %d vectors", ErrUnavailable, len(vectors))
	}
	return vectors[0], nil
}
