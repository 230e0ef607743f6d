package attendance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/codes"
)

var recordedAt = time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC)

func sampleRecord() Record {
	return Record{
		ID:                "rec-1",
		SessionID:         "sess-1",
		StudentID:         "stu-1",
		RollNumber:        "R1",
		RecordedAt:        recordedAt,
		RiskScore:         75,
		Flags:             []string{"device-rapid-use"},
		DeviceFingerprint: "dev-1",
		NetworkIdentity:   "10.1.1.1",
	}
}

func sampleClaim() CodeClaim {
	return CodeClaim{SessionID: "sess-1", StudentID: "stu-1", Value: "482913", At: recordedAt}
}

var (
	insertRecord = regexp.QuoteMeta(`INSERT INTO attendance_records`)
	consumeCode  = regexp.QuoteMeta(`UPDATE verification_codes SET consumed = TRUE`)
)

func TestRepositoryAdmitCommitsBothWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertRecord).
		WithArgs("rec-1", "sess-1", "stu-1", "R1", recordedAt, 75, []byte(`["device-rapid-use"]`),
			"dev-1", "10.1.1.1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(consumeCode).
		WithArgs("sess-1", "stu-1", "482913", recordedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewRepository(db).Admit(context.Background(), sampleRecord(), sampleClaim()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAdmitDuplicateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertRecord).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewRepository(db).Admit(context.Background(), sampleRecord(), sampleClaim())
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAdmitUnusableCodeRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertRecord).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(consumeCode).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewRepository(db).Admit(context.Background(), sampleRecord(), sampleClaim())
	assert.ErrorIs(t, err, ErrCodeUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("sess-1", "stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := NewRepository(db).Exists(context.Background(), "sess-1", "stu-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepositoryListByStudent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"id", "session_id", "student_id", "roll_number", "recorded_at", "risk_score", "flags",
		"device_fingerprint", "network_identity", "browser_fingerprint", "latitude", "longitude"}
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE student_id = $1 ORDER BY recorded_at DESC LIMIT $2`)).
		WithArgs("stu-1", HistoryLimit).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("rec-2", "sess-2", "stu-1", "R1", recordedAt.Add(time.Hour), 100, []byte(`[]`), "dev-1", "10.1.1.1", "b", 12.97, 77.59).
			AddRow("rec-1", "sess-1", "stu-1", "R1", recordedAt, 75, []byte(`["device-rapid-use"]`), "dev-1", "10.1.1.1", "b", nil, nil))

	recs, err := NewRepository(db).ListByStudent(context.Background(), "stu-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].Location)
	assert.Equal(t, 12.97, recs[0].Location.Latitude)
	assert.Equal(t, []string{}, recs[0].Flags)
	assert.Nil(t, recs[1].Location)
	assert.Equal(t, []string{"device-rapid-use"}, recs[1].Flags)
}

// consumeAll lets every claim through so only the pair lock decides.
type consumeAll struct{ calls atomic.Int32 }

func (c *consumeAll) IssueIfAbsent(_ context.Context, candidate codes.Code, _ time.Time) (codes.Code, error) {
	return candidate, nil
}

func (c *consumeAll) Find(context.Context, string, string, string) (codes.Code, error) {
	return codes.Code{}, codes.ErrNotFound
}

func (c *consumeAll) Consume(context.Context, string, string, string, time.Time) (bool, error) {
	c.calls.Add(1)
	return true, nil
}

func TestMemoryStoreAdmitsOncePerPair(t *testing.T) {
	cs := &consumeAll{}
	m := NewMemoryStore(cs)

	const n = 32
	var (
		wg        sync.WaitGroup
		admitted  atomic.Int32
		duplicate atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := sampleRecord()
			rec.ID = fmt.Sprintf("rec-%d", i)
			claim := sampleClaim()
			claim.Value = fmt.Sprintf("%06d", 100000+i)
			switch err := m.Admit(context.Background(), rec, claim); {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				duplicate.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(n-1), duplicate.Load())
	assert.Equal(t, int32(1), cs.calls.Load(), "losers never consume their code")
}

func TestMemoryStoreUnusableCodeLeavesNoRecord(t *testing.T) {
	m := NewMemoryStore(codes.NewMemoryStore())
	err := m.Admit(context.Background(), sampleRecord(), sampleClaim())
	assert.ErrorIs(t, err, ErrCodeUnavailable)

	exists, err := m.Exists(context.Background(), "sess-1", "stu-1")
	require.NoError(t, err)
	assert.False(t, exists)
}
