// Package source defines the adapter contract and the canonical document
// and runbook models shared by every backend. Adapters reference documents
// by owned storage; documents reference adapters only by name string.
package source

import (
	"context"
	"time"
)

// Source types.
const (
	TypeFilesystem = "filesystem"
	TypeWiki       = "wiki"
	TypeForge      = "forge"
	TypeHTTP       = "http"
)

// Source is the uniform adapter contract. Search and SearchRunbooks must
// be safe for concurrent use; HealthCheck never returns an error, it
// reports an unhealthy status instead.
type Source interface {
	// Name returns the adapter instance name from configuration.
	Name() string

	// Initialize prepares the adapter: resolves secrets, verifies
	// connectivity, and builds the initial index.
	Initialize(ctx context.Context) error

	// Search runs a ranked query over the adapter's documents.
	Search(ctx context.Context, query string, f Filters) ([]SearchResult, error)

	// GetDocument returns the document with the given id, or nil when the
	// id does not exist. All other errors surface.
	GetDocument(ctx context.Context, id string) (*SearchResult, error)

	// SearchRunbooks finds runbooks relevant to an alert.
	SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]Runbook, error)

	// HealthCheck reports adapter health.
	HealthCheck(ctx context.Context) Health

	// RefreshIndex rebuilds the index. force=true rebuilds from scratch;
	// force=false is a delta update. Returns false when an index build is
	// already in progress.
	RefreshIndex(ctx context.Context, force bool) (bool, error)

	// Metadata reports operational counters for list_sources.
	Metadata() Metadata

	// Cleanup releases watchers, connections, and owned storage.
	Cleanup(ctx context.Context) error
}

// Filters narrows a search. The zero value applies no filtering.
type Filters struct {
	// Limit caps the result count; zero means unlimited.
	Limit int
	// ConfidenceThreshold drops results scoring below it. Values outside
	// [0, 1] are treated as absent.
	ConfidenceThreshold float64
	// Categories pre-filters against the adapter's declared categories.
	// When none intersect, the adapter returns empty without searching.
	Categories []string
	// MaxAgeDays drops documents older than this many days; zero disables.
	MaxAgeDays int
}

// EffectiveThreshold returns the confidence threshold, or 0 when out of range.
func (f Filters) EffectiveThreshold() float64 {
	if f.ConfidenceThreshold < 0 || f.ConfidenceThreshold > 1 {
		return 0
	}
	return f.ConfidenceThreshold
}

// Health is the result of a health check. DocumentCount of -1 means
// "not measured"; callers must not use it in arithmetic.
type Health struct {
	Status         string    `json:"status"` // healthy, degraded, unhealthy
	Message        string    `json:"message,omitempty"`
	DocumentCount  int       `json:"document_count"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	LastChecked    time.Time `json:"last_checked"`
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Metadata reports adapter operational counters.
type Metadata struct {
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	DocumentCount     int       `json:"document_count"`
	LastIndexed       time.Time `json:"last_indexed"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	SuccessRate       float64   `json:"success_rate"`
}
