package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// HTTP talks to the contact service over its REST API.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a directory client for the given contact-service endpoint.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Snapshot implements Directory.
func (d *HTTP) Snapshot(ctx context.Context, tenantID, contactID string) (*types.ContactSnapshot, error) {
	u := fmt.Sprintf("%s/v1/tenants/%s/contacts/%s/context",
		d.baseURL, url.PathEscape(tenantID), url.PathEscape(contactID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("contact %s: %w", contactID, ErrContactNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contact snapshot: unexpected status %d", resp.StatusCode)
	}
	var snap types.ContactSnapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode contact snapshot: %w", err)
	}
	return &snap, nil
}

// Apply implements Directory.
func (d *HTTP) Apply(ctx context.Context, tenantID, contactID string, m Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	u := fmt.Sprintf("%s/v1/tenants/%s/contacts/%s/mutations",
		d.baseURL, url.PathEscape(tenantID), url.PathEscape(contactID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("apply mutation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("contact %s: %w", contactID, ErrContactNotFound)
	}
	return fmt.Errorf("apply mutation: unexpected status %d", resp.StatusCode)
}

var _ Directory = (*HTTP)(nil)
