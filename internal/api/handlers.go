package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/medical-records-registry/internal/registry"
)

func registerPatientHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPatientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		p, err := svc.RegisterPatient(r.Context(), GetPrincipal(r.Context()), registry.ParsePrincipal(req.PatientID), req.Name, req.DOB)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, newPatientResponse(p))
	}
}

func getPatientHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetPatient(r.Context(), patientParam(r))
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newPatientResponse(p))
	}
}

func addRecordHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		rec, err := svc.AddMedicalRecord(r.Context(), GetPrincipal(r.Context()), patientParam(r), req.Diagnosis, req.Treatment, req.Timestamp)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, newRecordResponse(*rec))
	}
}

func listRecordsHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := patientParam(r)

		records, err := svc.GetMedicalRecords(r.Context(), GetPrincipal(r.Context()), patientID)
		if err != nil {
			handleError(w, r, err)
			return
		}

		resp := RecordsResponse{
			PatientID: patientID.String(),
			Records:   make([]RecordResponse, 0, len(records)),
		}
		for _, rec := range records {
			resp.Records = append(resp.Records, newRecordResponse(rec))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func listGrantsHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := patientParam(r)

		grants, err := svc.ListGrants(r.Context(), GetPrincipal(r.Context()), patientID)
		if err != nil {
			handleError(w, r, err)
			return
		}

		resp := GrantsResponse{
			PatientID: patientID.String(),
			Grants:    make([]GrantResponse, 0, len(grants)),
		}
		for _, g := range grants {
			resp.Grants = append(resp.Grants, GrantResponse{Grantee: g.Grantee.String(), GrantedAt: g.GrantedAt})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// hasAccessHandler answers for the grantee named in the path, or for the
// caller when the path names none.
func hasAccessHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := patientParam(r)

		grantee := principalParam(r, "grantee")
		if grantee.IsZero() {
			grantee = GetPrincipal(r.Context())
		}

		ok, err := svc.HasAccess(r.Context(), grantee, patientID)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, AccessResponse{
			PatientID: patientID.String(),
			Grantee:   grantee.String(),
			HasAccess: ok,
		})
	}
}

func grantAccessHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.GrantAccess(r.Context(), GetPrincipal(r.Context()), registry.ParsePrincipal(req.Grantee)); err != nil {
			handleError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func revokeAccessHandler(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grantee := principalParam(r, "grantee")

		if err := svc.RevokeAccess(r.Context(), GetPrincipal(r.Context()), grantee); err != nil {
			handleError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func patientParam(r *http.Request) registry.Principal {
	return principalParam(r, "patientID")
}

// principalParam decodes a path segment. chi matches on RawPath when the URL
// carries reserved escapes such as %2F, so the value may still be escaped.
func principalParam(r *http.Request, key string) registry.Principal {
	raw := chi.URLParam(r, key)
	if r.URL.RawPath != "" {
		if v, err := url.PathUnescape(raw); err == nil {
			raw = v
		}
	}
	return registry.ParsePrincipal(raw)
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, registry.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, registry.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, registry.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "registry_busy", err.Error())
	default:
		log.Printf("internal error path=%s request_id=%s: %v", r.URL.Path, GetRequestID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
