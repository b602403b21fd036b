package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/hackgods/medical-records-registry/internal/redis"
)

// Service is the registry engine. Write commands are applied one at a time:
// the process-wide mutex serializes them locally and the locker serializes
// them across processes sharing a store. Each command runs in one repository
// transaction, so a rejected command leaves no trace.
type Service struct {
	mu        sync.RWMutex
	repo      Repository
	locker    redisclient.Locker
	publisher redisclient.Publisher
	admin     Principal
}

func NewService(repo Repository, locker redisclient.Locker, publisher redisclient.Publisher, admin Principal) *Service {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		admin:     admin,
	}
}

// Admin returns the principal fixed as administrator at construction.
func (s *Service) Admin() Principal { return s.admin }

// RoleOf derives the role caller plays in a command concerning patientID.
func (s *Service) RoleOf(caller, patientID Principal) Role {
	switch {
	case caller.IsZero():
		return RoleUnassigned
	case caller == s.admin:
		return RoleAdmin
	case caller == patientID:
		return RolePatient
	default:
		return RoleDoctor
	}
}

// RegisterPatient onboards a patient. Only the admin may call it and a
// patient id can be registered once.
func (s *Service) RegisterPatient(ctx context.Context, caller, patientID Principal, name string, dob int) (*Patient, error) {
	if caller.IsZero() || caller != s.admin {
		return nil, fmt.Errorf("%w: only the admin may register patients", ErrUnauthorized)
	}
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateDOB(dob); err != nil {
		return nil, err
	}

	var created *Patient
	err := s.apply(ctx, func(ctx context.Context, tx Repository) error {
		p, err := tx.InsertPatient(ctx, Patient{
			ID:           patientID,
			Name:         name,
			DOB:          dob,
			RegisteredBy: caller,
		})
		if err != nil {
			return err
		}
		created = p

		return s.recordEvent(ctx, tx, EventPatientRegistered, caller, patientID, string(patientID), map[string]any{
			"registered_by": caller.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("event=%s actor=%s patient_id=%s", EventPatientRegistered, caller, patientID)
	return created, nil
}

// AddMedicalRecord appends a record to the patient's sequence. Any
// authenticated principal may write; reads are what the grant list gates.
func (s *Service) AddMedicalRecord(ctx context.Context, caller, patientID Principal, diagnosis, treatment string, timestamp int64) (*MedicalRecord, error) {
	if err := validatePrincipal("caller", caller); err != nil {
		return nil, err
	}
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return nil, err
	}
	if err := validateRecord(diagnosis, treatment, timestamp); err != nil {
		return nil, err
	}

	var created *MedicalRecord
	err := s.apply(ctx, func(ctx context.Context, tx Repository) error {
		if _, err := tx.GetPatient(ctx, patientID); err != nil {
			return err
		}

		rec, err := tx.AppendRecord(ctx, MedicalRecord{
			ID:        uuid.New(),
			PatientID: patientID,
			Diagnosis: diagnosis,
			Treatment: treatment,
			Timestamp: timestamp,
			AddedBy:   caller,
		})
		if err != nil {
			return err
		}
		created = rec

		return s.recordEvent(ctx, tx, EventRecordAdded, caller, patientID, rec.ID.String(), map[string]any{
			"record_id": rec.ID.String(),
			"index":     rec.Index,
			"timestamp": rec.Timestamp,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("event=%s actor=%s patient_id=%s index=%d", EventRecordAdded, caller, patientID, created.Index)
	return created, nil
}

// GrantAccess lets the calling patient give grantee read access to their own
// records. Granting twice is not an error.
func (s *Service) GrantAccess(ctx context.Context, caller, grantee Principal) error {
	if err := validatePrincipal("caller", caller); err != nil {
		return err
	}
	if err := validatePrincipal("grantee", grantee); err != nil {
		return err
	}

	created := false
	err := s.apply(ctx, func(ctx context.Context, tx Repository) error {
		if err := s.requireOwnPatient(ctx, tx, caller); err != nil {
			return err
		}

		var err error
		created, err = tx.PutGrant(ctx, AccessGrant{PatientID: caller, Grantee: grantee})
		if err != nil || !created {
			return err
		}

		return s.recordEvent(ctx, tx, EventAccessGranted, caller, caller, string(grantee), map[string]any{
			"grantee": grantee.String(),
		})
	})
	if err != nil {
		return err
	}

	if created {
		log.Printf("event=%s patient_id=%s grantee=%s", EventAccessGranted, caller, grantee)
	}
	return nil
}

// RevokeAccess removes a grant the calling patient made. Revoking a grant
// that does not exist is not an error.
func (s *Service) RevokeAccess(ctx context.Context, caller, grantee Principal) error {
	if err := validatePrincipal("caller", caller); err != nil {
		return err
	}
	if err := validatePrincipal("grantee", grantee); err != nil {
		return err
	}

	deleted := false
	err := s.apply(ctx, func(ctx context.Context, tx Repository) error {
		if err := s.requireOwnPatient(ctx, tx, caller); err != nil {
			return err
		}

		var err error
		deleted, err = tx.DeleteGrant(ctx, caller, grantee)
		if err != nil || !deleted {
			return err
		}

		return s.recordEvent(ctx, tx, EventAccessRevoked, caller, caller, string(grantee), map[string]any{
			"grantee": grantee.String(),
		})
	})
	if err != nil {
		return err
	}

	if deleted {
		log.Printf("event=%s patient_id=%s grantee=%s", EventAccessRevoked, caller, grantee)
	}
	return nil
}

// HasAccess reports whether patientID has granted grantee access.
func (s *Service) HasAccess(ctx context.Context, grantee, patientID Principal) (bool, error) {
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return false, wrapRead("load patient", err)
	}
	if grantee.IsZero() {
		return false, nil
	}

	ok, err := s.repo.HasGrant(ctx, patientID, grantee)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return ok, nil
}

// GetPatient is a public read.
func (s *Service) GetPatient(ctx context.Context, patientID Principal) (*Patient, error) {
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.repo.GetPatient(ctx, patientID)
	if err != nil {
		return nil, wrapRead("get patient", err)
	}
	return p, nil
}

// GetMedicalRecords returns the patient's records in insertion order. The
// caller must be the patient, the admin, or hold a grant from the patient.
func (s *Service) GetMedicalRecords(ctx context.Context, caller, patientID Principal) ([]MedicalRecord, error) {
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, wrapRead("load patient", err)
	}
	if err := s.authorizeRead(ctx, caller, patientID); err != nil {
		return nil, err
	}

	records, err := s.repo.ListRecords(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list medical records: %w", err)
	}
	return records, nil
}

// ListGrants returns the patient's grant list. Only the patient and the
// admin may see it.
func (s *Service) ListGrants(ctx context.Context, caller, patientID Principal) ([]AccessGrant, error) {
	if err := validatePrincipal("patient_id", patientID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, wrapRead("load patient", err)
	}
	if role := s.RoleOf(caller, patientID); role != RoleAdmin && role != RolePatient {
		return nil, fmt.Errorf("%w: grants are visible to the patient and admin only", ErrUnauthorized)
	}

	grants, err := s.repo.ListGrants(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// PublishPendingEvents is intended to be called by the relay worker
// periodically. It publishes committed events in order and stops at the
// first failure so that ordering is kept on the next run.
func (s *Service) PublishPendingEvents(ctx context.Context, limit int) (int, error) {
	if s.publisher == nil {
		return 0, errors.New("no event publisher configured")
	}

	events, err := s.repo.ListUnpublishedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unpublished events: %w", err)
	}

	published := 0
	for _, ev := range events {
		data, err := json.Marshal(newEventMessage(ev))
		if err != nil {
			return published, fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		if err := s.publisher.Publish(ctx, data); err != nil {
			return published, fmt.Errorf("publish event %d: %w", ev.Seq, err)
		}
		if err := s.repo.MarkEventPublished(ctx, ev.Seq, time.Now().UTC()); err != nil {
			return published, fmt.Errorf("mark event %d published: %w", ev.Seq, err)
		}
		published++
	}

	return published, nil
}

func (s *Service) authorizeRead(ctx context.Context, caller, patientID Principal) error {
	switch s.RoleOf(caller, patientID) {
	case RoleAdmin, RolePatient:
		return nil
	case RoleUnassigned:
		return fmt.Errorf("%w: caller is required", ErrUnauthorized)
	}

	ok, err := s.repo.HasGrant(ctx, patientID, caller)
	if err != nil {
		return fmt.Errorf("check grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s has no access grant from %s", ErrUnauthorized, caller, patientID)
	}
	return nil
}

// requireOwnPatient checks that caller is itself a registered patient.
func (s *Service) requireOwnPatient(ctx context.Context, tx Repository, caller Principal) error {
	_, err := tx.GetPatient(ctx, caller)
	if errors.Is(err, ErrPatientNotFound) {
		return fmt.Errorf("%w: only a registered patient may manage access to their own records", ErrUnauthorized)
	}
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.locker.WithLock(ctx, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(tx Repository) error {
			return fn(lockCtx, tx)
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrBusy
	}
	return err
}

func (s *Service) recordEvent(ctx context.Context, tx Repository, eventType string, actor, patientID Principal, subject string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return tx.InsertEvent(ctx, Event{
		ID:        uuid.New(),
		Type:      eventType,
		Actor:     actor,
		PatientID: patientID,
		Subject:   subject,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})
}

func wrapRead(op string, err error) error {
	if errors.Is(err, ErrPatientNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// eventMessage is the JSON shape published to subscribers.
type eventMessage struct {
	Seq       int64           `json:"seq"`
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	PatientID string          `json:"patient_id"`
	Subject   string          `json:"subject,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEventMessage(ev Event) eventMessage {
	return eventMessage{
		Seq:       ev.Seq,
		ID:        ev.ID,
		Type:      ev.Type,
		Actor:     ev.Actor.String(),
		PatientID: ev.PatientID.String(),
		Subject:   ev.Subject,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}
}
