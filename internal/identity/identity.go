package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/config"
)

// Directory is the identity collaborator. It owns consent flags and the
// monthly token allocation per org; this service only reads them.
type Directory interface {
	Consent(ctx context.Context, subjectID string) (bool, error)
	OrgAllocation(ctx context.Context, orgID, period string) (int64, error)
}

// StaticDirectory serves consent and allocations from in-memory maps.
// Used for local development and tests.
type StaticDirectory struct {
	mu                sync.RWMutex
	consent           map[string]bool
	allocations       map[string]int64
	defaultConsent    bool
	defaultAllocation int64
}

func NewStaticDirectory(cfg config.DirectoryConfig) *StaticDirectory {
	return &StaticDirectory{
		consent:           map[string]bool{},
		allocations:       map[string]int64{},
		defaultConsent:    cfg.DefaultConsent,
		defaultAllocation: cfg.DefaultAllocation,
	}
}

func (d *StaticDirectory) SetConsent(subjectID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consent[subjectID] = ok
}

func (d *StaticDirectory) SetAllocation(orgID string, tokens int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocations[orgID] = tokens
}

func (d *StaticDirectory) Consent(_ context.Context, subjectID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ok, present := d.consent[subjectID]; present {
		return ok, nil
	}
	return d.defaultConsent, nil
}

func (d *StaticDirectory) OrgAllocation(_ context.Context, orgID, _ string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if tokens, present := d.allocations[orgID]; present {
		return tokens, nil
	}
	return d.defaultAllocation, nil
}

// HTTPDirectory queries the identity service over JSON HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPDirectory(cfg config.DirectoryConfig, logger *zap.Logger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		logger:  logger,
	}
}

func (d *HTTPDirectory) Consent(ctx context.Context, subjectID string) (bool, error) {
	var body struct {
		Consent bool `json:"consent"`
	}
	url := fmt.Sprintf("%s/subjects/%s/consent", d.baseURL, subjectID)
	if err := d.getJSON(ctx, url, &body); err != nil {
		return false, fmt.Errorf("consent lookup: %w", err)
	}
	return body.Consent, nil
}

func (d *HTTPDirectory) OrgAllocation(ctx context.Context, orgID, period string) (int64, error) {
	var body struct {
		Tokens int64 `json:"tokens"`
	}
	url := fmt.Sprintf("%s/orgs/%s/allocation?period=%s", d.baseURL, orgID, period)
	if err := d.getJSON(ctx, url, &body); err != nil {
		return 0, fmt.Errorf("allocation lookup: %w", err)
	}
	return body.Tokens, nil
}

func (d *HTTPDirectory) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Warn("directory request failed", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("directory status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewDirectory selects the HTTP directory when a base URL is configured,
// the static one otherwise.
func NewDirectory(cfg config.DirectoryConfig, logger *zap.Logger) Directory {
	if cfg.BaseURL != "" {
		return NewHTTPDirectory(cfg, logger)
	}
	return NewStaticDirectory(cfg)
}
