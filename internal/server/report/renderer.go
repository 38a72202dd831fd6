// Package report is the client for the report-renderer collaborator, which
// turns a finished scan result into a downloadable PDF.
package report

import (
	"context"
	"encoding/json"
)

// Renderer renders a scan result for a target URL into PDF bytes. The
// rendering service is stateless, so a render call is safe to repeat.
type Renderer interface {
	Render(ctx context.Context, result json.RawMessage, targetURL string) ([]byte, error)
}
