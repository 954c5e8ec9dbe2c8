package web_server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/event"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"github.com/lefinal/uptime-server/ws"
	"go.uber.org/zap"
)

// Ingress handles normalized liveness reports.
type Ingress interface {
	// HandleReport applies the given report to the engine.
	HandleReport(ctx context.Context, report event.Report) error
}

// Store provides the device list for the status API.
type Store interface {
	// Devices retrieves all known devices.
	Devices(ctx context.Context) ([]store.Device, error)
}

// Reporter computes the current-day SLA for the status API.
type Reporter interface {
	// ObservedReport computes the SLA over [from,to) based on the outage
	// ledger.
	ObservedReport(ctx context.Context, device string, from time.Time, to time.Time,
		now time.Time) (sla.Report, error)
}

// Routes holds all dependencies for WebServer.PopulateRoutes.
type Routes struct {
	// Ingress receives reports from the event endpoint.
	Ingress Ingress
	// Store provides the device list.
	Store Store
	// Reporter computes the current-day SLA.
	Reporter Reporter
	// Hub serves the websocket live stream.
	Hub *ws.Hub
	// PrimaryDevice is the device the status endpoint reports the SLA for.
	PrimaryDevice string
	// Zone is the fixed zone day boundaries are computed in.
	Zone *time.Location
}

// PopulateRoutes populates the WebServer with the routes.
func (server *WebServer) PopulateRoutes(routes Routes) {
	server.router.HandleFunc("/ws", ws.HandleWS(server.logger, routes.Hub))
	apiRouter := server.router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/event", server.handleEvent(routes.Ingress)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/status", server.handleStatus(routes)).Methods(http.MethodGet)
}

// eventResponse is the body of responses from the event endpoint.
type eventResponse struct {
	OK bool `json:"ok"`
}

// handleEvent accepts a liveness report, normalizes it and forwards it to the
// engine. Malformed payloads are rejected with a 400. Storage failures still
// answer with a 200 so that reporting devices do not queue up retries, the
// body carries ok=false then.
func (server *WebServer) handleEvent(ingress Ingress) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		var raw event.RawReport
		err := json.NewDecoder(r.Body).Decode(&raw)
		if err != nil {
			server.logger.Debug("reject malformed event payload", zap.Error(err))
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		report, err := event.Normalize(raw, time.Now())
		if err != nil {
			server.logger.Debug("reject invalid event payload", zap.Error(err))
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		err = ingress.HandleReport(r.Context(), report)
		if err != nil {
			if errors.BlameUser(err) {
				server.logger.Debug("reject event", zap.Error(err))
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			errors.Log(server.logger, errors.Wrap(err, "handle report", errors.Details{"device": report.Device}))
			server.respondJSON(w, http.StatusOK, eventResponse{OK: false})
			return
		}
		server.respondJSON(w, http.StatusOK, eventResponse{OK: true})
	}
}

// statusDevice is one device in the statusResponse.
type statusDevice struct {
	Name     string             `json:"name"`
	Status   store.DeviceStatus `json:"status"`
	LastSeen time.Time          `json:"last_seen"`
}

// statusResponse is the body of responses from the status endpoint.
type statusResponse struct {
	Devices []statusDevice `json:"devices"`
	// Today is the observed SLA of the primary device since local midnight.
	Today struct {
		Label    string  `json:"label"`
		HasData  bool    `json:"has_data"`
		UptimeMS int64   `json:"uptime_ms"`
		PeriodMS int64   `json:"period_ms"`
		Percent  float64 `json:"percent"`
	} `json:"today"`
}

// handleStatus reports all device states and the current-day SLA of the
// primary device.
func (server *WebServer) handleStatus(routes Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := routes.Store.Devices(r.Context())
		if err != nil {
			errors.Log(server.logger, errors.Wrap(err, "retrieve devices", nil))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		now := time.Now()
		report, err := routes.Reporter.ObservedReport(r.Context(), routes.PrimaryDevice,
			sla.DayStart(now, routes.Zone), now, now)
		if err != nil {
			errors.Log(server.logger, errors.Wrap(err, "observed report", nil))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		var response statusResponse
		response.Devices = make([]statusDevice, 0, len(devices))
		for _, device := range devices {
			response.Devices = append(response.Devices, statusDevice{
				Name:     device.Name,
				Status:   device.Status,
				LastSeen: device.LastSeen,
			})
		}
		response.Today.Label = report.Label
		response.Today.HasData = report.HasData
		response.Today.UptimeMS = report.UptimeMS
		response.Today.PeriodMS = report.PeriodMS
		response.Today.Percent = report.Percent
		server.respondJSON(w, http.StatusOK, response)
	}
}

// respondJSON writes the given payload as JSON response.
func (server *WebServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		errors.Log(server.logger, errors.NewInternalErrorFromErr(err, "encode response", nil))
	}
}
