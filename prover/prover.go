// Package prover keeps track of externally hosted proof generators,
// indexed by the largest batch they can accept.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrBadBatchSize = errors.New("prover batch size must be positive")
	ErrBadEndpoint  = errors.New("prover endpoint must be an http(s) url")
)

const proveTimeout = 5 * time.Minute

// Config is one prover entry as it appears in the configuration file.
type Config struct {
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	URL       string `yaml:"url" json:"url"`
}

// Prover is a descriptor of one remote proving service.
type Prover struct {
	batchSize int
	endpoint  *url.URL
	client    *http.Client
}

// New validates the configuration pair and builds a descriptor.
// It fails on a non-positive batch size or a malformed endpoint.
func New(cfg Config) (*Prover, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadBatchSize, cfg.BatchSize)
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse prover url %q: %w", cfg.URL, err)
	}
	if (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadEndpoint, cfg.URL)
	}
	return &Prover{
		batchSize: cfg.BatchSize,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: proveTimeout},
	}, nil
}

func (p *Prover) BatchSize() int {
	return p.batchSize
}

func (p *Prover) URL() string {
	return p.endpoint.String()
}

// ProveBatch posts a proving request and returns the raw proof term.
// The payload layout is whatever the remote service expects, the
// sequencer core does not interpret it.
func (p *Prover) ProveBatch(ctx context.Context, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal proving request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prover %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prover %s: status %d: %s", p.endpoint, resp.StatusCode, raw)
	}
	return json.RawMessage(raw), nil
}
