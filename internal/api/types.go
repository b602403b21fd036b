package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-records-registry/internal/registry"
)

type RegisterPatientRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	DOB       int    `json:"dob"`
}

type AddRecordRequest struct {
	Diagnosis string `json:"diagnosis"`
	Treatment string `json:"treatment"`
	Timestamp int64  `json:"timestamp"`
}

type GrantRequest struct {
	Grantee string `json:"grantee"`
}

type PatientResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DOB          int       `json:"dob"`
	RegisteredBy string    `json:"registered_by"`
	CreatedAt    time.Time `json:"created_at"`
}

type RecordResponse struct {
	ID        uuid.UUID `json:"id"`
	PatientID string    `json:"patient_id"`
	Index     int       `json:"index"`
	Diagnosis string    `json:"diagnosis"`
	Treatment string    `json:"treatment"`
	Timestamp int64     `json:"timestamp"`
	AddedBy   string    `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

type RecordsResponse struct {
	PatientID string           `json:"patient_id"`
	Records   []RecordResponse `json:"records"`
}

type GrantResponse struct {
	Grantee   string    `json:"grantee"`
	GrantedAt time.Time `json:"granted_at"`
}

type GrantsResponse struct {
	PatientID string          `json:"patient_id"`
	Grants    []GrantResponse `json:"grants"`
}

type AccessResponse struct {
	PatientID string `json:"patient_id"`
	Grantee   string `json:"grantee"`
	HasAccess bool   `json:"has_access"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func newPatientResponse(p *registry.Patient) PatientResponse {
	return PatientResponse{
		ID:           p.ID.String(),
		Name:         p.Name,
		DOB:          p.DOB,
		RegisteredBy: p.RegisteredBy.String(),
		CreatedAt:    p.CreatedAt,
	}
}

func newRecordResponse(rec registry.MedicalRecord) RecordResponse {
	return RecordResponse{
		ID:        rec.ID,
		PatientID: rec.PatientID.String(),
		Index:     rec.Index,
		Diagnosis: rec.Diagnosis,
		Treatment: rec.Treatment,
		Timestamp: rec.Timestamp,
		AddedBy:   rec.AddedBy.String(),
		CreatedAt: rec.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
