package saled

import "tokensale/observability"

// Metrics exposes Prometheus collectors for sale lifecycle instrumentation.
type Metrics = observability.SaleOpsMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.SaleOps() }
