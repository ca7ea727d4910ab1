package verify

import (
	"context"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/sourcedb"
)

func TestCounts(t *testing.T) {
	require.NoError(t, Counts(250, 250, 250))

	err := Counts(250, 249, 249)
	require.Error(t, err)
	assert.Equal(t, errclass.BatchPermanent, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "db=250 stream=249 object=249")

	require.Error(t, Counts(250, 250, 249))
}

func TestUploadSize(t *testing.T) {
	require.NoError(t, UploadSize(objstore.HeadInfo{Size: 1024}, 1024))
	err := UploadSize(objstore.HeadInfo{Size: 1000}, 1024)
	require.Error(t, err)
	assert.Equal(t, errclass.BatchPermanent, errclass.ClassOf(err))
}

func TestPKSetsEqual(t *testing.T) {
	require.NoError(t, PKSetsEqual([]string{"1", "2", "3"}, []string{"3", "2", "1"}))

	err := PKSetsEqual([]string{"1", "2"}, []string{"1", "2", "3"})
	require.Error(t, err)

	err = PKSetsEqual([]string{"1", "4", "3"}, []string{"1", "2", "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4")
}

func TestSampleSize(t *testing.T) {
	assert.Equal(t, 5, SampleSize(5))
	assert.Equal(t, 10, SampleSize(10))
	assert.Equal(t, 10, SampleSize(500))
	assert.Equal(t, 20, SampleSize(2000))
	assert.Equal(t, 1000, SampleSize(500000))
}

func TestDeletionManifest(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	keys := []string{"9", "3", "7"}
	m := NewDeletionManifest("db", "public", "audit_log", "fp123", keys,
		`DELETE FROM "public"."audit_log" WHERE "id" = ANY($1)`, now)

	assert.Equal(t, "fp123", m.BatchFingerprint)
	assert.Equal(t, 3, m.CommittedRows)
	assert.Equal(t, []string{"9", "3", "7"}, m.PrimaryKeys, "fetch order preserved")

	// The digests are order-independent over the key set.
	m2 := NewDeletionManifest("db", "public", "audit_log", "fp123", []string{"3", "7", "9"},
		`DELETE FROM "public"."audit_log" WHERE "id" = ANY($1)`, now)
	assert.Equal(t, m.KeyListSHA256, m2.KeyListSHA256)
	assert.Equal(t, m.DeleteStmtDigest, m2.DeleteStmtDigest)

	// A different statement changes the digest.
	m3 := NewDeletionManifest("db", "public", "audit_log", "fp123", keys,
		`DELETE FROM "public"."other" WHERE "id" = ANY($1)`, now)
	assert.NotEqual(t, m.DeleteStmtDigest, m3.DeleteStmtDigest)
}

func TestSampleAbsenceCleanTable(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sourcedb.Wrap("testdb", raw)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "public"."audit_log" WHERE "id" = ANY($1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	m := NewDeletionManifest("testdb", "public", "audit_log", "fp", []string{"1", "2", "3"}, "DELETE", time.Now())
	err = SampleAbsence(context.Background(), db, "public", "audit_log", "id", m, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
}

func TestSampleAbsenceSurvivorIsFatal(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sourcedb.Wrap("testdb", raw)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))

	m := NewDeletionManifest("testdb", "public", "audit_log", "fp", []string{"1", "2", "3"}, "DELETE", time.Now())
	err = SampleAbsence(context.Background(), db, "public", "audit_log", "id", m, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.Equal(t, errclass.Fatal, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "still present")
}
