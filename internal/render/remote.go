package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const maxDocumentSize = 25 << 20 // 25 MB

// Remote posts artifacts to an HTTP rendering service that answers with the
// finished document.
type Remote struct {
	url    string
	apiKey string
	client *http.Client
}

// NewRemote creates a Remote renderer.
func NewRemote(url, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Remote{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type remotePayload struct {
	Filename  string           `json:"filename"`
	Requester models.Requester `json:"requester"`
	Tier      models.PlanTier  `json:"tier"`
	Artifact  *models.Artifact `json:"artifact"`
}

func (r *Remote) Render(ctx context.Context, req *models.ReportRequest, art *models.Artifact) (models.RenderedDocument, error) {
	name := Filename(req)
	payload, err := json.Marshal(remotePayload{Filename: name, Requester: req.Requester, Tier: req.Tier, Artifact: art})
	if err != nil {
		return models.RenderedDocument{}, fmt.Errorf("render: encode: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return models.RenderedDocument{}, fmt.Errorf("render: build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/pdf")
	if r.apiKey != "" {
		hr.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(hr)
	if err != nil {
		return models.RenderedDocument{}, fmt.Errorf("render: remote: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return models.RenderedDocument{}, fmt.Errorf("render: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.RenderedDocument{}, fmt.Errorf("render: remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) > maxDocumentSize {
		return models.RenderedDocument{}, fmt.Errorf("render: document exceeds %d bytes", maxDocumentSize)
	}
	if len(body) == 0 {
		return models.RenderedDocument{}, fmt.Errorf("render: remote returned an empty document")
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/pdf"
	}
	return models.RenderedDocument{Filename: name, ContentType: ct, Content: body}, nil
}
