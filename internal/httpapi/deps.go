package httpapi

import (
	"go.uber.org/zap"

	"backend/internal/drivers"
	"backend/internal/ratelimit"
	"backend/internal/registry"
)

// Deps bundles everything the HTTP handlers need: the Session registry, the
// shared rate limiter, and the three pipeline drivers. Construct with
// whatever collaborators cmd/server wires up (real or fake, for tests).
type Deps struct {
	Registry    *registry.Registry
	RateLimiter *ratelimit.Limiter
	BatchDriver *drivers.BatchEnrichment
	CSVDriver   *drivers.CSVImport
	ScanDriver  *drivers.ShelfScan
	Logger      *zap.SugaredLogger
}
