// Package connector holds helpers shared by the source connector
// implementations under this directory.
package connector

import (
	"fmt"
	"net/http"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// ClassifyStatus maps an HTTP status code to the pipeline error taxonomy.
// Rate limiting and server-side failures are transient; other non-2xx
// statuses are permanent. A 2xx status yields nil.
func ClassifyStatus(connectorID string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return research.Transient(connectorID, fmt.Errorf("upstream returned status %d", status))
	default:
		return research.Permanent(connectorID, fmt.Errorf("upstream returned status %d", status))
	}
}
