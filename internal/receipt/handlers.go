package receipt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
)

// extractResponse is the success body of an extraction
type extractResponse struct {
	Success            bool              `json:"success"`
	Data               *ExtractionResult `json:"data"`
	AvailableFuelTypes []string          `json:"available_fuel_types"`
}

// bodyOverhead leaves room for the JSON envelope around the base64 payload
const bodyOverhead = 64 << 10

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps a service failure to its status and message
func writeServiceError(w http.ResponseWriter, err error) {
	var typed *Error
	if !errors.As(err, &typed) {
		typed = classify(err)
	}
	writeError(w, typed.HTTPStatus(), typed.Error())
}

// handleExtract runs the extraction pipeline on a base64 image
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(float64(s.service.opts.MaxImageBytes)*base64Expansion) + bodyOverhead
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "image too large")
			return
		}
		slog.Error("Error decoding extraction request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.service.Extract(r.Context(), bearerToken(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	available := result.AvailableFuelTypes
	if available == nil {
		available = []string{}
	}
	writeJSON(w, http.StatusOK, extractResponse{
		Success:            true,
		Data:               result,
		AvailableFuelTypes: available,
	})
}

// handleListFuelTypes returns the active fuel-type names sorted by name
func (s *Server) handleListFuelTypes(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.ActiveFuelTypes(r.Context())
	if err != nil {
		slog.Error("Error listing fuel types", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	sort.Strings(names)

	writeJSON(w, http.StatusOK, map[string][]string{"fuel_types": names})
}

// fuelTypeRequest is the body of a catalog write
type fuelTypeRequest struct {
	Name        string `json:"nome"`
	Description string `json:"descrizione"`
	Active      *bool  `json:"attivo"`
}

// handleCreateFuelType adds or replaces a catalog entry, active unless the body says otherwise
func (s *Server) handleCreateFuelType(w http.ResponseWriter, r *http.Request) {
	var req fuelTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ft := FuelType{Name: req.Name, Description: req.Description, Active: true}
	if req.Active != nil {
		ft.Active = *req.Active
	}
	saved, err := s.service.SaveFuelType(r.Context(), ft)
	if err != nil {
		slog.Error("Error saving fuel type", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, saved)
}

// handleUpdateFuelType enables or disables a catalog entry
func (s *Server) handleUpdateFuelType(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req fuelTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "attivo is required")
		return
	}

	updated, err := s.service.SetFuelTypeActive(r.Context(), id, *req.Active)
	if err != nil {
		slog.Error("Error updating fuel type", "error", err, "id", id)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
