package scan

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

const maxErrorBody = 512

// statusError wraps an unexpected response into the scan-service error
// class, keeping the status code and a bounded body excerpt for operators.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w: %w", common.ErrorScanService, &common.HTTPStatusError{
		StatusCode: resp.StatusCode,
		Detail:     string(body),
	})
}
