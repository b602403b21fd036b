package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the registry in process memory. State does not
// survive a restart; it backs the memory store backend and the tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	state   memState
	nextSeq int64
}

type memState struct {
	patients map[Principal]Patient
	records  map[Principal][]MedicalRecord
	grants   map[Principal]map[Principal]time.Time
	events   []Event
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: memState{
			patients: make(map[Principal]Patient),
			records:  make(map[Principal][]MedicalRecord),
			grants:   make(map[Principal]map[Principal]time.Time),
		},
	}
}

func (r *MemoryRepository) GetPatient(ctx context.Context, id Principal) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx().GetPatient(ctx, id)
}

func (r *MemoryRepository) ListRecords(ctx context.Context, patientID Principal) ([]MedicalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx().ListRecords(ctx, patientID)
}

func (r *MemoryRepository) HasGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx().HasGrant(ctx, patientID, grantee)
}

func (r *MemoryRepository) ListGrants(ctx context.Context, patientID Principal) ([]AccessGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx().ListGrants(ctx, patientID)
}

func (r *MemoryRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tx().ListUnpublishedEvents(ctx, limit)
}

// Single writes outside WithinTx are still applied atomically.

func (r *MemoryRepository) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	var out *Patient
	err := r.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.InsertPatient(ctx, p)
		return err
	})
	return out, err
}

func (r *MemoryRepository) AppendRecord(ctx context.Context, rec MedicalRecord) (*MedicalRecord, error) {
	var out *MedicalRecord
	err := r.WithinTx(ctx, func(tx Repository) error {
		var err error
		out, err = tx.AppendRecord(ctx, rec)
		return err
	})
	return out, err
}

func (r *MemoryRepository) PutGrant(ctx context.Context, g AccessGrant) (bool, error) {
	var created bool
	err := r.WithinTx(ctx, func(tx Repository) error {
		var err error
		created, err = tx.PutGrant(ctx, g)
		return err
	})
	return created, err
}

func (r *MemoryRepository) DeleteGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	var deleted bool
	err := r.WithinTx(ctx, func(tx Repository) error {
		var err error
		deleted, err = tx.DeleteGrant(ctx, patientID, grantee)
		return err
	})
	return deleted, err
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev Event) error {
	return r.WithinTx(ctx, func(tx Repository) error {
		return tx.InsertEvent(ctx, ev)
	})
}

func (r *MemoryRepository) MarkEventPublished(ctx context.Context, seq int64, at time.Time) error {
	return r.WithinTx(ctx, func(tx Repository) error {
		return tx.MarkEventPublished(ctx, seq, at)
	})
}

// WithinTx holds the write lock for the whole of fn and rolls back every
// mutation fn made if it returns an error.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := r.tx()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (r *MemoryRepository) tx() *memTx {
	return &memTx{repo: r}
}

// memTx operates on the repository state with the lock already held and keeps
// an undo log of its mutations.
type memTx struct {
	repo *MemoryRepository
	undo []func()
}

var _ Repository = (*memTx)(nil)

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetPatient(ctx context.Context, id Principal) (*Patient, error) {
	p, ok := t.repo.state.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (t *memTx) ListRecords(ctx context.Context, patientID Principal) ([]MedicalRecord, error) {
	recs := t.repo.state.records[patientID]
	out := make([]MedicalRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (t *memTx) HasGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	_, ok := t.repo.state.grants[patientID][grantee]
	return ok, nil
}

func (t *memTx) ListGrants(ctx context.Context, patientID Principal) ([]AccessGrant, error) {
	grants := make([]AccessGrant, 0, len(t.repo.state.grants[patientID]))
	for grantee, at := range t.repo.state.grants[patientID] {
		grants = append(grants, AccessGrant{PatientID: patientID, Grantee: grantee, GrantedAt: at})
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].GrantedAt.Equal(grants[j].GrantedAt) {
			return grants[i].Grantee < grants[j].Grantee
		}
		return grants[i].GrantedAt.Before(grants[j].GrantedAt)
	})
	return grants, nil
}

func (t *memTx) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	st := &t.repo.state
	if _, exists := st.patients[p.ID]; exists {
		return nil, ErrAlreadyExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	st.patients[p.ID] = p
	t.undo = append(t.undo, func() { delete(st.patients, p.ID) })
	return &p, nil
}

func (t *memTx) AppendRecord(ctx context.Context, rec MedicalRecord) (*MedicalRecord, error) {
	st := &t.repo.state
	if _, ok := st.patients[rec.PatientID]; !ok {
		return nil, ErrPatientNotFound
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	prev := st.records[rec.PatientID]
	rec.Index = len(prev)
	st.records[rec.PatientID] = append(prev, rec)
	t.undo = append(t.undo, func() {
		if len(prev) == 0 {
			delete(st.records, rec.PatientID)
			return
		}
		st.records[rec.PatientID] = prev
	})
	return &rec, nil
}

func (t *memTx) PutGrant(ctx context.Context, g AccessGrant) (bool, error) {
	st := &t.repo.state
	if _, ok := st.patients[g.PatientID]; !ok {
		return false, ErrPatientNotFound
	}
	byGrantee, ok := st.grants[g.PatientID]
	if !ok {
		byGrantee = make(map[Principal]time.Time)
		st.grants[g.PatientID] = byGrantee
	}
	if _, exists := byGrantee[g.Grantee]; exists {
		return false, nil
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	byGrantee[g.Grantee] = g.GrantedAt
	t.undo = append(t.undo, func() { delete(byGrantee, g.Grantee) })
	return true, nil
}

func (t *memTx) DeleteGrant(ctx context.Context, patientID, grantee Principal) (bool, error) {
	byGrantee := t.repo.state.grants[patientID]
	at, ok := byGrantee[grantee]
	if !ok {
		return false, nil
	}
	delete(byGrantee, grantee)
	t.undo = append(t.undo, func() { byGrantee[grantee] = at })
	return true, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev Event) error {
	r := t.repo
	r.nextSeq++
	ev.Seq = r.nextSeq
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.state.events = append(r.state.events, ev)
	t.undo = append(t.undo, func() {
		r.state.events = r.state.events[:len(r.state.events)-1]
		r.nextSeq--
	})
	return nil
}

func (t *memTx) ListUnpublishedEvents(ctx context.Context, limit int) ([]Event, error) {
	var out []Event
	for _, ev := range t.repo.state.events {
		if limit > 0 && len(out) >= limit {
			break
		}
		if ev.PublishedAt == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *memTx) MarkEventPublished(ctx context.Context, seq int64, at time.Time) error {
	st := &t.repo.state
	for i := range st.events {
		if st.events[i].Seq != seq {
			continue
		}
		prev := st.events[i].PublishedAt
		published := at
		st.events[i].PublishedAt = &published
		t.undo = append(t.undo, func() { st.events[i].PublishedAt = prev })
		return nil
	}
	return nil
}

// WithinTx on an open transaction joins it.
func (t *memTx) WithinTx(ctx context.Context, fn func(tx Repository) error) error {
	return fn(t)
}
