// Package compilerapi is the HTTP client for the remote skill compiler
// service. The service compiles skill source on demand and returns the raw
// artifact bytes; a second, near-identical endpoint returns debug symbols
// for languages that have them.
package compilerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaybot/skillhost/internal/skill"
)

const maxArtifactSize int64 = 64 * 1024 * 1024 // 64MB

// RequestType selects between the cached artifact and a forced recompile.
type RequestType string

const (
	RequestCached    RequestType = "cached"
	RequestRecompile RequestType = "recompile"
)

type compileRequest struct {
	SkillID     string      `json:"skillId"`
	SkillName   string      `json:"skillName"`
	Language    string      `json:"language"`
	RequestType RequestType `json:"requestType"`
}

// Client talks to the remote compiler service.
type Client struct {
	endpoint string
	httpc    *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for the given endpoint.
func NewClient(endpoint string, httpc *http.Client, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{endpoint: strings.TrimSuffix(endpoint, "/"), httpc: httpc, logger: logger}
}

// FetchArtifact requests the compiled artifact bytes for a skill.
// A non-success response is a hard failure naming the skill, tenant and
// endpoint; this layer never retries.
func (c *Client) FetchArtifact(ctx context.Context, id skill.ArtifactID, recompile bool) ([]byte, error) {
	return c.fetch(ctx, "/compile", id, recompile)
}

// FetchSymbols requests the debug-symbol bytes for a skill. Callers may
// tolerate failure; a skill runs fine without symbols.
func (c *Client) FetchSymbols(ctx context.Context, id skill.ArtifactID, recompile bool) ([]byte, error) {
	return c.fetch(ctx, "/symbols", id, recompile)
}

func (c *Client) fetch(ctx context.Context, path string, id skill.ArtifactID, recompile bool) ([]byte, error) {
	reqType := RequestCached
	if recompile {
		reqType = RequestRecompile
	}
	payload, err := json.Marshal(compileRequest{
		SkillID:     id.SkillID,
		SkillName:   id.SkillName,
		Language:    string(id.Language),
		RequestType: reqType,
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: marshal request: %w", err)
	}

	url := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("compiler: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compiler: request for skill %q (tenant %s) to %s failed: %w",
			id.SkillName, id.TenantID, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("compiler: read response for skill %q (tenant %s): %w",
			id.SkillName, id.TenantID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("compiler: skill %q (tenant %s) at %s: status %d",
			id.SkillName, id.TenantID, url, resp.StatusCode)
	}
	return body, nil
}
