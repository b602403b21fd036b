package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAlreadyExists   = errors.New("patient already exists")
	ErrPatientNotFound = errors.New("patient not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("registry is busy applying another command, please retry")
)

// Repository contains all storage interactions needed by the service.
type Repository interface {
	GetPatient(ctx context.Context, id Principal) (*Patient, error)
	ListRecords(ctx context.Context, patientID Principal) ([]MedicalRecord, error)
	HasGrant(ctx context.Context, patientID, grantee Principal) (bool, error)
	ListGrants(ctx context.Context, patientID Principal) ([]AccessGrant, error)

	// Creation and updates. InsertPatient returns ErrAlreadyExists on a duplicate id.
	InsertPatient(ctx context.Context, p Patient) (*Patient, error)
	// AppendRecord assigns the next Index in the patient's sequence.
	AppendRecord(ctx context.Context, rec MedicalRecord) (*MedicalRecord, error)
	// PutGrant reports whether the grant was newly created.
	PutGrant(ctx context.Context, g AccessGrant) (bool, error)
	// DeleteGrant reports whether a grant existed.
	DeleteGrant(ctx context.Context, patientID, grantee Principal) (bool, error)

	// Event outbox
	InsertEvent(ctx context.Context, ev Event) error
	// ListUnpublishedEvents returns pending events in Seq order; limit <= 0 means all.
	ListUnpublishedEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventPublished(ctx context.Context, seq int64, at time.Time) error

	// WithinTx runs fn against a transactional view of the repository. Nothing
	// fn wrote is visible if it returns an error.
	WithinTx(ctx context.Context, fn func(tx Repository) error) error
}
