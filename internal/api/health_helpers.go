package api

import (
	"context"
	"net/http"
	"time"
)

const healthProbeTimeout = 2 * time.Second

type serviceStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// serviceHealth probes every dependency the service needs to do real work.
// Any failing dependency degrades the overall status to 503 so load balancers
// stop routing uploads here.
func (h *Handler) serviceHealth(ctx context.Context) (map[string]serviceStatus, string, int) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	services := make(map[string]serviceStatus, 2)
	healthy := true

	datastore := serviceStatus{Status: "ok"}
	if h.Store == nil {
		datastore.Status = "unavailable"
		datastore.Error = "datastore not configured"
		healthy = false
	} else if err := h.Store.Ping(probeCtx); err != nil {
		datastore.Status = "unavailable"
		datastore.Error = err.Error()
		healthy = false
	}
	services["datastore"] = datastore

	media := serviceStatus{Status: "ok"}
	if h.Extractor == nil {
		media.Status = "unavailable"
		media.Error = "extractor not configured"
		healthy = false
	} else if err := h.Extractor.CheckBinaries(); err != nil {
		media.Status = "unavailable"
		media.Error = err.Error()
		healthy = false
	}
	services["media_tools"] = media

	if healthy {
		return services, "ok", http.StatusOK
	}
	return services, "degraded", http.StatusServiceUnavailable
}
