// Package render turns report artifacts into deliverable documents.
package render

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Renderer produces a document for a request from its artifact.
type Renderer interface {
	Render(ctx context.Context, req *models.ReportRequest, art *models.Artifact) (models.RenderedDocument, error)
}

var unsafeFilename = regexp.MustCompile(`[^a-z0-9]+`)

// Filename returns a filesystem-safe PDF name for a request.
func Filename(req *models.ReportRequest) string {
	slug := strings.Trim(unsafeFilename.ReplaceAllString(strings.ToLower(req.Topic), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		slug = "report"
	}
	id := req.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s.pdf", slug, req.RequestedAt.UTC().Format("20060102"), id)
}
