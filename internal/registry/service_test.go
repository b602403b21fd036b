package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/medical-records-registry/internal/redis"
)

const (
	admin   Principal = "0xadmin"
	patient Principal = "0xpatient"
	doctor  Principal = "0xdoctor"
	other   Principal = "0xother"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages [][]byte
	failAt   int // 1-based call number that fails; 0 never fails
	calls    int
}

var _ redisclient.Publisher = (*recordingPublisher)(nil)

func (p *recordingPublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt != 0 && p.calls == p.failAt {
		return errors.New("publish failed")
	}
	p.messages = append(p.messages, payload)
	return nil
}

type busyLocker struct{}

func (busyLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo, nil, nil, admin), repo
}

func registerJohn(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.RegisterPatient(context.Background(), admin, patient, "John Doe", 19900101)
	require.NoError(t, err)
}

func unpublished(t *testing.T, repo *MemoryRepository) []Event {
	t.Helper()
	events, err := repo.ListUnpublishedEvents(context.Background(), 0)
	require.NoError(t, err)
	return events
}

func TestRegisterPatient_ScenarioJohnDoe(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.RegisterPatient(ctx, admin, patient, "John Doe", 19900101)
	require.NoError(t, err)
	assert.Equal(t, patient, created.ID)

	got, err := svc.GetPatient(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, "John Doe", got.Name)
	assert.Equal(t, 19900101, got.DOB)
	assert.Equal(t, admin, got.RegisteredBy)
}

func TestRegisterPatient_NonAdminUnauthorized(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		caller := Principal(fmt.Sprintf("0x%s", gofakeit.LetterN(12)))
		_, err := svc.RegisterPatient(ctx, caller, "0xp2", gofakeit.Name(), 19851231)
		assert.ErrorIs(t, err, ErrUnauthorized, "caller %s", caller)
	}

	// invalid arguments from a non-admin still report the authorization failure
	_, err := svc.RegisterPatient(ctx, doctor, "", "", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.GetPatient(ctx, "0xp2")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.Empty(t, unpublished(t, repo))
}

func TestRegisterPatient_DuplicateRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	_, err := svc.RegisterPatient(ctx, admin, patient, "Jane Roe", 20000229)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := svc.GetPatient(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, "John Doe", got.Name)
	assert.Equal(t, 19900101, got.DOB)
	assert.Len(t, unpublished(t, repo), 1, "only the first registration emits an event")
}

func TestRegisterPatient_InvalidArguments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		patientID Principal
		pname     string
		dob       int
	}{
		{"empty id", "", "John", 19900101},
		{"blank name", patient, "   ", 19900101},
		{"seven digit dob", patient, "John", 1990010},
		{"not a date", patient, "John", 19900230},
		{"zero dob", patient, "John", 0},
		{"nul in id", "0xp\x00", "John", 19900101},
		{"invalid utf8 id", "0xp\xff", "John", 19900101},
		{"invalid utf8 name", patient, "J\xffohn", 19900101},
		{"nul in name", patient, "Jo\x00hn", 19900101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RegisterPatient(ctx, admin, tc.patientID, tc.pname, tc.dob)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestAddMedicalRecord_ScenarioFlu(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	t0 := time.Now().Unix()
	rec, err := svc.AddMedicalRecord(ctx, doctor, patient, "Flu", "Prescribed rest and hydration", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Index)
	assert.Equal(t, doctor, rec.AddedBy)

	records, err := svc.GetMedicalRecords(ctx, patient, patient)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Flu", records[0].Diagnosis)
	assert.Equal(t, t0, records[0].Timestamp)
}

func TestAddMedicalRecord_UnknownPatient(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddMedicalRecord(ctx, doctor, "0xp3", "Flu", "rest", 1700000000)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	records, err := repo.ListRecords(ctx, "0xp3")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, unpublished(t, repo))
}

func TestAddMedicalRecord_InsertionOrderIgnoresTimestamp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	// timestamps deliberately run backwards
	const n = 10
	for i := 0; i < n; i++ {
		rec, err := svc.AddMedicalRecord(ctx, doctor, patient, fmt.Sprintf("dx-%d", i), "", int64(1_000_000-i))
		require.NoError(t, err)
		assert.Equal(t, i, rec.Index)
	}

	records, err := svc.GetMedicalRecords(ctx, admin, patient)
	require.NoError(t, err)
	require.Len(t, records, n)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("dx-%d", i), rec.Diagnosis)
		assert.Equal(t, i, rec.Index)
	}
}

func TestAddMedicalRecord_InvalidArguments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	_, err := svc.AddMedicalRecord(ctx, doctor, patient, "", "rest", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.AddMedicalRecord(ctx, doctor, patient, "Flu", "rest", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.AddMedicalRecord(ctx, "", patient, "Flu", "rest", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAddMedicalRecord_MalformedTextRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)
	before := len(unpublished(t, repo))

	cases := []struct {
		name      string
		diagnosis string
		treatment string
	}{
		{"invalid utf8 diagnosis", "Fl\xfeu", "rest"},
		{"nul in diagnosis", "Flu\x00", "rest"},
		{"nul in treatment", "Flu", "rest\x00"},
		{"invalid utf8 treatment", "Flu", "r\xffest"},
		{"oversized treatment", "Flu", strings.Repeat("a", maxRecordText+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AddMedicalRecord(ctx, doctor, patient, tc.diagnosis, tc.treatment, 1)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	records, err := svc.GetMedicalRecords(ctx, patient, patient)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, unpublished(t, repo), before)
}

func TestGrantAccess_ScenarioAndIdempotence(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))
	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))

	ok, err := svc.HasAccess(ctx, doctor, patient)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasAccess(ctx, "0xdoctor2", patient)
	require.NoError(t, err)
	assert.False(t, ok)

	grants, err := svc.ListGrants(ctx, patient, patient)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, doctor, grants[0].Grantee)

	var granted int
	for _, ev := range unpublished(t, repo) {
		if ev.Type == EventAccessGranted {
			granted++
		}
	}
	assert.Equal(t, 1, granted, "a repeated grant changes nothing and emits nothing")
}

func TestGrantAccess_OnlyPatientMayGrant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	// neither an unregistered principal nor the admin holds a patient identity
	assert.ErrorIs(t, svc.GrantAccess(ctx, other, doctor), ErrUnauthorized)
	assert.ErrorIs(t, svc.GrantAccess(ctx, admin, doctor), ErrUnauthorized)

	ok, err := svc.HasAccess(ctx, doctor, patient)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantAccess_InvalidGrantee(t *testing.T) {
	svc, _ := newTestService(t)
	registerJohn(t, svc)
	ctx := context.Background()

	assert.ErrorIs(t, svc.GrantAccess(ctx, patient, ""), ErrInvalidArgument)
	assert.ErrorIs(t, svc.GrantAccess(ctx, patient, "0xd\x00"), ErrInvalidArgument)
	assert.ErrorIs(t, svc.GrantAccess(ctx, patient, "0xd\xfe"), ErrInvalidArgument)
	assert.ErrorIs(t, svc.RevokeAccess(ctx, patient, "0xd\x00"), ErrInvalidArgument)

	grants, err := svc.ListGrants(ctx, patient, patient)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestHasAccess_UnknownPatient(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.HasAccess(context.Background(), doctor, "0xnobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestGetMedicalRecords_ReadGating(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	_, err := svc.AddMedicalRecord(ctx, doctor, patient, "Flu", "rest", 1700000000)
	require.NoError(t, err)

	_, err = svc.GetMedicalRecords(ctx, doctor, patient)
	assert.ErrorIs(t, err, ErrUnauthorized, "writing a record does not grant read access")

	_, err = svc.GetMedicalRecords(ctx, "", patient)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))

	records, err := svc.GetMedicalRecords(ctx, doctor, patient)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Flu", records[0].Diagnosis)

	_, err = svc.GetMedicalRecords(ctx, other, patient)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.GetMedicalRecords(ctx, admin, patient)
	assert.NoError(t, err)

	_, err = svc.GetMedicalRecords(ctx, doctor, "0xnobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestRevokeAccess(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))
	require.NoError(t, svc.RevokeAccess(ctx, patient, doctor))
	require.NoError(t, svc.RevokeAccess(ctx, patient, doctor))

	ok, err := svc.HasAccess(ctx, doctor, patient)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.GetMedicalRecords(ctx, doctor, patient)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, svc.RevokeAccess(ctx, other, doctor), ErrUnauthorized)

	var types []string
	for _, ev := range unpublished(t, repo) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventPatientRegistered, EventAccessGranted, EventAccessRevoked}, types)
}

func TestListGrants_VisibleToPatientAndAdminOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)
	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))

	_, err := svc.ListGrants(ctx, admin, patient)
	assert.NoError(t, err)

	_, err = svc.ListGrants(ctx, doctor, patient)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRoleOf(t *testing.T) {
	svc, _ := newTestService(t)

	assert.Equal(t, RoleAdmin, svc.RoleOf(admin, patient))
	assert.Equal(t, RolePatient, svc.RoleOf(patient, patient))
	assert.Equal(t, RoleDoctor, svc.RoleOf(doctor, patient))
	assert.Equal(t, RoleUnassigned, svc.RoleOf("", patient))
}

func TestService_BusyLockRejectsWithoutChange(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, busyLocker{}, nil, admin)

	_, err := svc.RegisterPatient(context.Background(), admin, patient, "John Doe", 19900101)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = repo.GetPatient(context.Background(), patient)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestService_ConcurrentAppendsKeepDenseIndexes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	registerJohn(t, svc)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := svc.AddMedicalRecord(ctx, doctor, patient, fmt.Sprintf("w%d-%d", w, i), "", 1)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	records, err := svc.GetMedicalRecords(ctx, patient, patient)
	require.NoError(t, err)
	require.Len(t, records, workers*perWorker)
	for i, rec := range records {
		assert.Equal(t, i, rec.Index)
	}
}

func TestPublishPendingEvents(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	svc := NewService(repo, nil, pub, admin)
	ctx := context.Background()

	registerJohn(t, svc)
	_, err := svc.AddMedicalRecord(ctx, doctor, patient, "Flu", "rest", 1700000000)
	require.NoError(t, err)
	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))

	n, err := svc.PublishPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, unpublished(t, repo))

	require.Len(t, pub.messages, 3)
	var msg eventMessage
	require.NoError(t, json.Unmarshal(pub.messages[1], &msg))
	assert.Equal(t, EventRecordAdded, msg.Type)
	assert.Equal(t, "0xpatient", msg.PatientID)
	assert.Equal(t, int64(2), msg.Seq)
	assert.NotContains(t, string(pub.messages[1]), "Flu", "diagnoses stay out of notifications")

	n, err = svc.PublishPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishPendingEvents_StopsAtFirstFailure(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{failAt: 2}
	svc := NewService(repo, nil, pub, admin)
	ctx := context.Background()

	registerJohn(t, svc)
	require.NoError(t, svc.GrantAccess(ctx, patient, doctor))
	require.NoError(t, svc.GrantAccess(ctx, patient, other))

	n, err := svc.PublishPendingEvents(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending := unpublished(t, repo)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].Seq)

	n, err = svc.PublishPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPublishPendingEvents_NoPublisher(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.PublishPendingEvents(context.Background(), 10)
	assert.Error(t, err)
}
