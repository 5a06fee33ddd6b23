// Package payload fetches the documents jobs are submitted with. A reference
// is either an http(s) URL or a blob name written as blob://<name>.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"configurator/internal/gateway/repository/blob"
	"configurator/internal/params"
)

const (
	blobScheme = "blob://"
	// uploadPrefix names documents posted inline with a request.
	uploadPrefix = "uploads-"
)

var ErrUnsupportedRef = errors.New("unsupported payload reference")

// Provider resolves payload references.
type Provider struct {
	store    blob.Store
	http     *http.Client
	maxBytes int64
}

func NewProvider(store blob.Store, hc *http.Client) *Provider {
	if hc == nil {
		hc = &http.Client{Timeout: time.Minute}
	}
	return &Provider{store: store, http: hc, maxBytes: 256 << 20}
}

// BlobRef returns the reference of a blob name.
func BlobRef(name string) string { return blobScheme + name }

// Upload stores an inline document and returns its reference. The job that
// consumes it calls Discard when done.
func (p *Provider) Upload(ctx context.Context, raw []byte) (string, error) {
	if p.store == nil {
		return "", fmt.Errorf("%w: no blob store for uploads", ErrUnsupportedRef)
	}
	name := uploadPrefix + uuid.NewString() + ".json"
	if err := p.store.Put(ctx, name, raw); err != nil {
		return "", fmt.Errorf("upload payload: %w", err)
	}
	return BlobRef(name), nil
}

// Discard removes an uploaded document. References to anything else are
// left alone.
func (p *Provider) Discard(ctx context.Context, ref string) error {
	name, ok := strings.CutPrefix(strings.TrimSpace(ref), blobScheme)
	if !ok || !strings.HasPrefix(name, uploadPrefix) || p.store == nil {
		return nil
	}
	if err := p.store.Delete(ctx, name); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	return nil
}

// Fetch returns the raw document behind ref.
func (p *Provider) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, blobScheme); ok {
		if p.store == nil {
			return nil, fmt.Errorf("%w: no blob store for %s", ErrUnsupportedRef, ref)
		}
		raw, err := p.store.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		return raw, nil
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if int64(len(raw)) > p.maxBytes {
		return nil, fmt.Errorf("fetch %s: payload larger than %d bytes", ref, p.maxBytes)
	}
	return raw, nil
}

// Adopt is the document of an adopt-with-parameters job.
type Adopt struct {
	Name       string      `json:"name"`
	URL        string      `json:"url"`
	IsAssembly bool        `json:"isAssembly"`
	Parameters *params.Set `json:"parameters"`
}

// FetchAdopt fetches and decodes an adopt document.
func (p *Provider) FetchAdopt(ctx context.Context, ref string) (Adopt, error) {
	raw, err := p.Fetch(ctx, ref)
	if err != nil {
		return Adopt{}, err
	}
	var doc Adopt
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Adopt{}, fmt.Errorf("parse adopt payload: %w", err)
	}
	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		return Adopt{}, errors.New("parse adopt payload: name is required")
	}
	if strings.TrimSpace(doc.URL) == "" {
		return Adopt{}, errors.New("parse adopt payload: url is required")
	}
	if doc.Parameters == nil {
		doc.Parameters = params.NewSet()
	}
	return doc, nil
}

// FetchParameters fetches and decodes a parameter set document.
func (p *Provider) FetchParameters(ctx context.Context, ref string) (*params.Set, error) {
	raw, err := p.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	set, err := params.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse parameters: %w", err)
	}
	return set, nil
}
