// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Device API (device token auth, rate limited):
//   - POST /api/v1/devices/register - Register device by serial number
//   - POST /api/v1/devices/{id}/heartbeat - Device heartbeat
//   - GET  /api/v1/devices/{id}/commands - Poll for start/stop commands
//   - POST /api/v1/devices/{id}/disconnect - Graceful session teardown
//
// Admin API (operator JWT auth):
//   - POST /api/v1/admin/organizations - Create organization
//   - GET  /api/v1/admin/organizations - List organizations
//   - PUT  /api/v1/admin/organizations/{orgID} - Rename organization
//   - GET  /api/v1/admin/organizations/{orgID}/devices - Devices merged with session state
//   - GET  /api/v1/admin/organizations/{orgID}/instances - All instances in org
//   - POST /api/v1/admin/devices/{id}/approve - Approve pending device
//   - POST /api/v1/admin/devices/{id}/reject - Reject pending device
//   - POST /api/v1/admin/devices/{id}/disable - Disable device
//   - POST /api/v1/admin/devices/{id}/enable - Re-enable device
//   - DELETE /api/v1/admin/devices/{id} - Delete device and its instances
//   - POST /api/v1/admin/devices/{id}/instances - Run network instance
//   - GET  /api/v1/admin/devices/{id}/instances - List device instances
//   - POST /api/v1/admin/devices/{id}/instances/{instID}/enabled - Toggle instance
//   - DELETE /api/v1/admin/devices/{id}/instances/{instID} - Remove instance
//
// Health:
//   - GET /api/v1/health - Health check with process self stats
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lattice-net/mesh-cp/internal/metrics"
	"github.com/lattice-net/mesh-cp/internal/service"
	"github.com/lattice-net/mesh-cp/pkg/types"
)

// maxCommandsPerPoll caps how many queued commands one poll may drain.
const maxCommandsPerPoll = 8

// commandPollWait is how long a command poll blocks waiting for work.
const commandPollWait = 25 * time.Second

// Server is the HTTP API server.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mux    *http.ServeMux

	jwtKey   []byte
	limiters *deviceLimiters
}

// Config holds API server settings.
type Config struct {
	// JWTSigningKey verifies operator tokens. Empty disables the admin API.
	JWTSigningKey []byte

	// HeartbeatsPerMinute and Burst bound per-device heartbeat rates.
	HeartbeatsPerMinute int
	Burst               int
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		svc:      svc,
		logger:   logger,
		mux:      http.NewServeMux(),
		jwtKey:   cfg.JWTSigningKey,
		limiters: newDeviceLimiters(cfg.HeartbeatsPerMinute, cfg.Burst),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes
// (the Prometheus handler is mounted here by main).
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	// Device API
	s.mux.HandleFunc("POST /api/v1/devices/register", s.handleRegister)
	s.mux.Handle("POST /api/v1/devices/{id}/heartbeat",
		s.deviceAuth(s.rateLimit(http.HandlerFunc(s.handleHeartbeat))))
	s.mux.Handle("GET /api/v1/devices/{id}/commands",
		s.deviceAuth(http.HandlerFunc(s.handleCommands)))
	s.mux.Handle("POST /api/v1/devices/{id}/disconnect",
		s.deviceAuth(http.HandlerFunc(s.handleDisconnect)))

	// Admin API
	admin := func(h http.HandlerFunc) http.Handler { return s.operatorAuth(h) }
	s.mux.Handle("POST /api/v1/admin/organizations", admin(s.handleCreateOrganization))
	s.mux.Handle("GET /api/v1/admin/organizations", admin(s.handleListOrganizations))
	s.mux.Handle("PUT /api/v1/admin/organizations/{orgID}", admin(s.handleRenameOrganization))
	s.mux.Handle("GET /api/v1/admin/organizations/{orgID}/devices", admin(s.handleListOrgDevices))
	s.mux.Handle("GET /api/v1/admin/organizations/{orgID}/instances", admin(s.handleListOrgInstances))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/approve", admin(s.handleApproveDevice))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/reject", admin(s.handleRejectDevice))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/disable", admin(s.handleDisableDevice))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/enable", admin(s.handleEnableDevice))
	s.mux.Handle("DELETE /api/v1/admin/devices/{id}", admin(s.handleDeleteDevice))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/instances", admin(s.handleRunInstance))
	s.mux.Handle("GET /api/v1/admin/devices/{id}/instances", admin(s.handleListInstances))
	s.mux.Handle("POST /api/v1/admin/devices/{id}/instances/{instID}/enabled", admin(s.handleSetInstanceEnabled))
	s.mux.Handle("DELETE /api/v1/admin/devices/{id}/instances/{instID}", admin(s.handleRemoveInstance))

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

// =============================================================================
// DEVICE HANDLERS
// =============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SerialNumber  string `json:"serial_number"`
		Name          string `json:"name"`
		DeviceType    string `json:"device_type"`
		Hostname      string `json:"hostname"`
		ClientVersion string `json:"client_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	device, token, err := s.svc.RegisterDevice(r.Context(), service.RegisterDeviceRequest{
		SerialNumber:  req.SerialNumber,
		Name:          req.Name,
		DeviceType:    types.DeviceType(req.DeviceType),
		Hostname:      req.Hostname,
		ClientVersion: req.ClientVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  device.ID,
		"status":     device.Status,
		"auth_token": token,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req struct {
		ClientVersion      string   `json:"client_version"`
		Hostname           string   `json:"hostname"`
		RunningInstanceIDs []string `json:"running_instance_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	// A heartbeat from a device without a live session (re)admits it.
	if _, ok := s.svc.Sessions().Get(deviceID); !ok {
		if _, err := s.svc.ConnectDevice(r.Context(), deviceID); err != nil {
			s.writeError(w, err)
			return
		}
	}

	err := s.svc.ProcessHeartbeat(r.Context(), types.HeartbeatReport{
		DeviceID:           deviceID,
		ClientVersion:      req.ClientVersion,
		Hostname:           req.Hostname,
		RunningInstanceIDs: req.RunningInstanceIDs,
		SourceAddr:         r.RemoteAddr,
		ReportedAt:         time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	sess, ok := s.svc.Sessions().Get(deviceID)
	if !ok {
		// Polling before the first heartbeat; tell the device to heartbeat.
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error": "no live session, send a heartbeat first",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandPollWait)
	defer cancel()

	cmds := sess.NextCommands(ctx, maxCommandsPerPoll)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		if sess, ok := s.svc.Sessions().Get(deviceID); ok {
			req.SessionID = sess.ID
		}
	}

	s.svc.DisconnectDevice(r.Context(), deviceID, req.SessionID)
	s.limiters.forget(deviceID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": s.svc.Sessions().Len(),
		"process":       metrics.CollectProcessStats(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrCapacityExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrDeviceNotOperable),
		errors.Is(err, types.ErrOrganizationScope):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
