package api

import (
	"encoding/json"
	"net/http"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	org, err := s.svc.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.svc.ListOrganizations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"organizations": orgs,
		"count":         len(orgs),
	})
}

func (s *Server) handleRenameOrganization(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := s.svc.RenameOrganization(r.Context(), r.PathValue("orgID"), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleListOrgDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.ListOrganizationDevices(r.Context(), r.PathValue("orgID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleListOrgInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.ListOrganizationInstances(r.Context(), r.PathValue("orgID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

// =============================================================================
// DEVICE LIFECYCLE HANDLERS
// =============================================================================

func (s *Server) handleApproveDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.OrganizationID == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	if err := s.svc.ApproveDevice(r.Context(), r.PathValue("id"), req.OrganizationID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RejectDevice(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleDisableDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DisableDevice(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleEnableDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.EnableDevice(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.svc.DeleteDevice(r.Context(), orgScope(r), deviceID); err != nil {
		s.writeError(w, err)
		return
	}
	s.limiters.forget(deviceID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// NETWORK INSTANCE HANDLERS
// =============================================================================

// orgScope extracts the tenant the request operates under. Controllers always
// act on behalf of one organization.
func orgScope(r *http.Request) string {
	return r.URL.Query().Get("organization_id")
}

func (s *Server) handleRunInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string              `json:"organization_id"`
		Config         types.NetworkConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	inst, err := s.svc.RunNetworkInstance(r.Context(), req.OrganizationID, r.PathValue("id"), req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.ListNetworkInstances(r.Context(), orgScope(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleSetInstanceEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		Enabled        bool   `json:"enabled"`
		Version        int    `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	inst, err := s.svc.SetNetworkInstanceEnabled(r.Context(),
		req.OrganizationID, r.PathValue("id"), r.PathValue("instID"),
		req.Enabled, req.Version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RemoveNetworkInstance(r.Context(),
		orgScope(r), r.PathValue("id"), r.PathValue("instID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
