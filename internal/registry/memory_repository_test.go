package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_WithinTxRollsBackEverything(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.InsertPatient(ctx, Patient{ID: "0xkeep", Name: "Keep", DOB: 19700101})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithinTx(ctx, func(tx Repository) error {
		if _, err := tx.InsertPatient(ctx, Patient{ID: "0xgone", Name: "Gone", DOB: 19700101}); err != nil {
			return err
		}
		if _, err := tx.AppendRecord(ctx, MedicalRecord{PatientID: "0xkeep", Diagnosis: "dx"}); err != nil {
			return err
		}
		if _, err := tx.PutGrant(ctx, AccessGrant{PatientID: "0xkeep", Grantee: "0xdoc"}); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, Event{Type: EventAccessGranted}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetPatient(ctx, "0xgone")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	records, err := repo.ListRecords(ctx, "0xkeep")
	require.NoError(t, err)
	assert.Empty(t, records)

	ok, err := repo.HasGrant(ctx, "0xkeep", "0xdoc")
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := repo.ListUnpublishedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// sequence numbers are not burned by a rolled back event
	require.NoError(t, repo.InsertEvent(ctx, Event{Type: EventRecordAdded}))
	events, err = repo.ListUnpublishedEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestMemoryRepository_RevokeRollback(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.InsertPatient(ctx, Patient{ID: "0xp", Name: "P", DOB: 19700101})
	require.NoError(t, err)
	_, err = repo.PutGrant(ctx, AccessGrant{PatientID: "0xp", Grantee: "0xdoc"})
	require.NoError(t, err)

	_ = repo.WithinTx(ctx, func(tx Repository) error {
		deleted, err := tx.DeleteGrant(ctx, "0xp", "0xdoc")
		require.NoError(t, err)
		assert.True(t, deleted)
		return errors.New("abort")
	})

	ok, err := repo.HasGrant(ctx, "0xp", "0xdoc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRepository_AppendRequiresPatient(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.AppendRecord(context.Background(), MedicalRecord{PatientID: "0xnobody", Diagnosis: "dx"})
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestMemoryRepository_ListRecordsReturnsCopy(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.InsertPatient(ctx, Patient{ID: "0xp", Name: "P", DOB: 19700101})
	require.NoError(t, err)
	_, err = repo.AppendRecord(ctx, MedicalRecord{PatientID: "0xp", Diagnosis: "original"})
	require.NoError(t, err)

	records, err := repo.ListRecords(ctx, "0xp")
	require.NoError(t, err)
	records[0].Diagnosis = "tampered"

	records, err = repo.ListRecords(ctx, "0xp")
	require.NoError(t, err)
	assert.Equal(t, "original", records[0].Diagnosis)
}

func TestMemoryRepository_GrantsOrderedByGrantTime(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.InsertPatient(ctx, Patient{ID: "0xp", Name: "P", DOB: 19700101})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, grantee := range []Principal{"0xc", "0xa", "0xb"} {
		created, err := repo.PutGrant(ctx, AccessGrant{PatientID: "0xp", Grantee: grantee, GrantedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		assert.True(t, created)
	}

	grants, err := repo.ListGrants(ctx, "0xp")
	require.NoError(t, err)
	require.Len(t, grants, 3)
	assert.Equal(t, []Principal{"0xc", "0xa", "0xb"}, []Principal{grants[0].Grantee, grants[1].Grantee, grants[2].Grantee})
}

func TestMemoryRepository_MarkEventPublished(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.InsertEvent(ctx, Event{Type: EventPatientRegistered}))
	require.NoError(t, repo.InsertEvent(ctx, Event{Type: EventRecordAdded}))

	require.NoError(t, repo.MarkEventPublished(ctx, 1, time.Now()))

	events, err := repo.ListUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRecordAdded, events[0].Type)
}

func TestMemoryRepository_UnpublishedLimit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.InsertEvent(ctx, Event{Type: EventRecordAdded}))
	}

	for _, limit := range []int{0, -1} {
		events, err := repo.ListUnpublishedEvents(ctx, limit)
		require.NoError(t, err)
		assert.Len(t, events, 3, "limit %d", limit)
	}

	events, err := repo.ListUnpublishedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
}
