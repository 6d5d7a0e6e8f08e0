package gateway

import (
	"net/http"
	"time"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Devices       int    `json:"devices"`
	Scheduled     int    `json:"scheduled_checks"`
	EventClients  int    `json:"event_clients"`
}

func healthHandler(deps Deps, startTime time.Time, eventClients func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			Version:       deps.Version,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			EventClients:  eventClients(),
		}
		if deps.Devices != nil {
			resp.Devices = len(deps.Devices.Describe(r.Context()))
		}
		if deps.Schedule != nil {
			resp.Scheduled = deps.Schedule()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
