package enrich

import "github.com/datalab/medsync/pkg/faults"

// Sentinel failures of the enrichment client, pre-classified for the retry
// machinery. Breaker rejections surface as faults.CircuitOpen via the
// breaker package.
var (
	ErrRateLimited    = faults.Sentinel(faults.Transient, "enrich: rate limited")
	ErrTimeout        = faults.Sentinel(faults.Transient, "enrich: request timed out")
	ErrTransient      = faults.Sentinel(faults.Transient, "enrich: upstream failure")
	ErrPersistent     = faults.Sentinel(faults.Persistent, "enrich: request rejected")
	ErrBudgetExceeded = faults.Sentinel(faults.Budget, "enrich: cost budget exceeded")
	ErrMalformed      = faults.Sentinel(faults.Data, "enrich: model output failed validation")
)
