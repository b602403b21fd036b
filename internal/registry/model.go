package registry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Principal is an opaque, already-authenticated caller identity.
type Principal string

// ParsePrincipal trims surrounding whitespace from a raw handle.
func ParsePrincipal(raw string) Principal {
	return Principal(strings.TrimSpace(raw))
}

func (p Principal) IsZero() bool { return p == "" }

func (p Principal) String() string { return string(p) }

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDoctor     Role = "doctor"
	RolePatient    Role = "patient"
	RoleUnassigned Role = "unassigned"
)

type Patient struct {
	ID           Principal
	Name         string
	DOB          int // YYYYMMDD
	RegisteredBy Principal
	CreatedAt    time.Time
}

type MedicalRecord struct {
	ID        uuid.UUID
	PatientID Principal
	Index     int
	Diagnosis string
	Treatment string
	Timestamp int64 // caller supplied, never used for ordering
	AddedBy   Principal
	CreatedAt time.Time
}

type AccessGrant struct {
	PatientID Principal
	Grantee   Principal
	GrantedAt time.Time
}

const (
	EventPatientRegistered = "PATIENT_REGISTERED"
	EventRecordAdded       = "RECORD_ADDED"
	EventAccessGranted     = "ACCESS_GRANTED"
	EventAccessRevoked     = "ACCESS_REVOKED"
)

// Event is an outbox row written in the same transaction as the mutation it describes.
type Event struct {
	Seq         int64
	ID          uuid.UUID
	Type        string
	Actor       Principal
	PatientID   Principal
	Subject     string // grantee or record id, depending on Type
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
