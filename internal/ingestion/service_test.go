package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/geo"
	"github.com/rpattn/memberships/internal/metrics"
	"github.com/rpattn/memberships/internal/reconcile"
	"github.com/rpattn/memberships/internal/reference"
	"github.com/rpattn/memberships/internal/repository"
	"github.com/rpattn/memberships/internal/storage"
	"github.com/rpattn/memberships/internal/validation"
	"github.com/rpattn/memberships/pkg/validator"
)

const header = "First Name,Surname,ID Number,Ward,Cell Number\n"

type harness struct {
	store   *repository.MemoryStore
	files   *storage.BlobStore
	metrics *metrics.Metrics
	service *Service
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg        Config
	duplicates func(repository.ApplicationRepository) validation.DuplicateChecker
}

func withWorkers(n int) harnessOption {
	return func(c *harnessConfig) { c.cfg.Workers = n }
}

func withLockLease(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.cfg.LockLease = d }
}

func withDuplicates(wrap func(repository.ApplicationRepository) validation.DuplicateChecker) harnessOption {
	return func(c *harnessConfig) { c.duplicates = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{cfg: Config{
		Workers:            4,
		RetryAttempts:      3,
		RetryDelay:         time.Millisecond,
		LockLease:          time.Hour,
		CancelPollInterval: time.Millisecond,
	}}
	for _, opt := range opts {
		opt(&hc)
	}

	store := repository.NewMemoryStore()
	store.PutProvince(domain.Province{Code: "GP", Name: "Gauteng"})
	store.PutDistrict(domain.District{Code: "JHB", Name: "City of Johannesburg", ProvinceCode: null.StringFrom("GP")})
	store.PutMunicipality(domain.Municipality{Code: "JHB", Name: "Johannesburg", DistrictCode: null.StringFrom("JHB")})
	store.PutMunicipality(domain.Municipality{Code: "JHB-A", Name: "Region A", DistrictCode: null.StringFrom("JHB"), ParentMunicipalityCode: null.StringFrom("JHB")})
	store.PutMunicipality(domain.Municipality{Code: "NOD", Name: "No District"})
	store.PutWard(domain.Ward{Code: "79800001", Name: "Ward 1", MunicipalityCode: "JHB-A"})
	store.PutWard(domain.Ward{Code: "20000001", Name: "Ward broken", MunicipalityCode: "GONE"})
	store.PutWard(domain.Ward{Code: "10000001", Name: "Ward without district", MunicipalityCode: "NOD"})

	refs, err := reference.NewCachedStore(store.Reference(), 128)
	require.NoError(t, err)

	var duplicates validation.DuplicateChecker = store.Applications()
	if hc.duplicates != nil {
		duplicates = hc.duplicates(store.Applications())
	}

	files := storage.NewBlobStore(memblob.OpenBucket(nil))
	t.Cleanup(func() { _ = files.Close() })

	m := metrics.New(prometheus.NewRegistry())
	resolver := geo.NewResolver(refs)

	service := NewService(Dependencies{
		Uploads:        store.Uploads(),
		Rows:           store.Rows(),
		Applications:   store.Applications(),
		Files:          files,
		Validator:      validation.New(refs, duplicates),
		Resolver:       resolver,
		Reconciler:     reconcile.NewReconciler(store.Uploads(), store.Rows(), m),
		Repairer:       reconcile.NewGeographyRepairer(store.Applications(), resolver, m),
		ReferenceCache: refs,
		Metrics:        m,
	}, hc.cfg)

	return &harness{store: store, files: files, metrics: m, service: service}
}

func (h *harness) submit(t *testing.T, name, content string) domain.Upload {
	t.Helper()
	upload, err := h.service.Submit(context.Background(), SubmitRequest{
		FileName: name,
		UserID:   "ops-1",
		Data:     []byte(content),
	})
	require.NoError(t, err)
	return upload
}

func (h *harness) ingest(t *testing.T, content string) domain.UploadSummary {
	t.Helper()
	upload := h.submit(t, "members.csv", content)
	summary, err := h.service.Ingest(context.Background(), upload.ID)
	require.NoError(t, err)
	return summary
}

func (h *harness) rows(t *testing.T, uploadID uuid.UUID) map[int]domain.UploadRow {
	t.Helper()
	rows, err := h.service.Rows(context.Background(), domain.RowFilter{UploadID: uploadID, Limit: 1000})
	require.NoError(t, err)
	byNumber := make(map[int]domain.UploadRow, len(rows))
	for _, row := range rows {
		byNumber[row.RowNumber] = row
	}
	return byNumber
}

func (h *harness) application(t *testing.T, row domain.UploadRow) domain.MembershipApplication {
	t.Helper()
	require.NotNil(t, row.RecordID, "row %d has no record", row.RowNumber)
	app, err := h.store.Applications().GetByID(context.Background(), *row.RecordID)
	require.NoError(t, err)
	return app
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

// identityNumber builds a valid identity number for the given twelve digit prefix.
func identityNumber(t *testing.T, prefix string) string {
	t.Helper()
	for check := '0'; check <= '9'; check++ {
		if candidate := prefix + string(check); validator.LuhnValid(candidate) {
			return candidate
		}
	}
	t.Fatalf("no check digit for %s", prefix)
	return ""
}

func TestIngest_MixedBatch(t *testing.T) {
	h := newHarness(t)

	// an earlier upload registers Lerato
	first := h.ingest(t, header+"Lerato,Khumalo,9202204720083,79800001,\n")
	require.Equal(t, domain.UploadCompleted, first.Status)

	summary := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,79800001,082 123 4567\n"+
		"Sipho,Dlamini,,79800001,\n"+
		"Lerato,Khumalo,9202204720083,79800001,\n")

	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 1, summary.SuccessfulRecords)
	assert.Equal(t, 2, summary.FailedRecords)
	assert.Equal(t, domain.UploadCompletedWithErrors, summary.Status)
	assert.Nil(t, summary.Drift)

	rows := h.rows(t, summary.UploadID)
	require.Len(t, rows, 3)

	assert.Equal(t, domain.RowSuccess, rows[1].Status)
	assert.Equal(t, 2, rows[1].SourceLine)
	app := h.application(t, rows[1])
	assert.Equal(t, "8001015009087", app.IDNumber)
	assert.Equal(t, "0821234567", app.CellNumber.String)
	assert.Equal(t, null.StringFrom("JHB-A"), app.MunicipalityCode)
	assert.Equal(t, null.StringFrom("JHB"), app.DistrictCode)
	assert.Equal(t, null.StringFrom("GP"), app.ProvinceCode)
	assert.Empty(t, app.ResolutionFlags)

	assert.Equal(t, domain.RowFailed, rows[2].Status)
	assert.Equal(t, "mandatory field missing: id_number", rows[2].ErrorMessage)
	assert.Nil(t, rows[2].RecordID)
	assert.Equal(t, "Sipho", rows[2].RawData["first_name"])

	assert.Equal(t, domain.RowFailed, rows[3].Status)
	assert.Equal(t, "duplicate identity number", rows[3].ErrorMessage)
	assert.Equal(t, string(validation.CodeDuplicateIdentityNumber), rows[3].ErrorCode)

	stored, err := h.store.Uploads().GetByID(context.Background(), summary.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SuccessfulRecords)
	assert.Equal(t, 2, stored.FailedRecords)
}

func TestIngest_UnknownWard(t *testing.T) {
	h := newHarness(t)

	summary := h.ingest(t, header+"Thandi,Mokoena,8001015009087,99999999,\n")

	assert.Equal(t, domain.UploadFailed, summary.Status)
	assert.Equal(t, 0, summary.SuccessfulRecords)
	assert.Equal(t, 1, summary.FailedRecords)

	row := h.rows(t, summary.UploadID)[1]
	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Equal(t, "ward code not found", row.ErrorMessage)
	assert.Equal(t, string(validation.CodeWardNotFound), row.ErrorCode)

	exists, err := h.store.Applications().ExistsByIdentityNumber(context.Background(), "8001015009087")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIngest_PartialGeography(t *testing.T) {
	h := newHarness(t)

	summary := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,20000001,\n"+
		"Lerato,Khumalo,9202204720083,10000001,\n")

	assert.Equal(t, domain.UploadCompleted, summary.Status)
	rows := h.rows(t, summary.UploadID)

	broken := h.application(t, rows[1])
	assert.Equal(t, "20000001", broken.WardCode)
	assert.False(t, broken.MunicipalityCode.Valid)
	assert.False(t, broken.DistrictCode.Valid)
	assert.False(t, broken.ProvinceCode.Valid)
	assert.Contains(t, broken.ResolutionFlags, domain.FlagMunicipalityMissing)
	assert.Equal(t, broken.ResolutionFlags, rows[1].ResolutionFlags)

	noDistrict := h.application(t, rows[2])
	assert.Equal(t, null.StringFrom("NOD"), noDistrict.MunicipalityCode)
	assert.False(t, noDistrict.DistrictCode.Valid)
	assert.False(t, noDistrict.ProvinceCode.Valid)
	assert.Equal(t, []string{domain.FlagDistrictUnresolved, domain.FlagProvinceUnresolved}, noDistrict.ResolutionFlags)
}

func TestIngest_TerminalUploadIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,79800001,\n"+
		"Sipho,Dlamini,,79800001,\n")

	again, err := h.service.Ingest(ctx, first.UploadID)
	require.NoError(t, err)
	assert.True(t, again.Stale)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.SuccessfulRecords, again.SuccessfulRecords)
	assert.Equal(t, first.FailedRecords, again.FailedRecords)

	perWard, err := h.store.Applications().CountByWard(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"79800001": 1}, perWard)
}

func TestIngest_DuplicatesWithinBatch(t *testing.T) {
	h := newHarness(t, withWorkers(8))

	var b strings.Builder
	b.WriteString(header)
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "Member %d,Same,8001015009087,79800001,\n", i+1)
	}

	summary := h.ingest(t, b.String())
	assert.Equal(t, 12, summary.TotalRecords)
	assert.Equal(t, 1, summary.SuccessfulRecords)
	assert.Equal(t, 11, summary.FailedRecords)

	for _, row := range h.rows(t, summary.UploadID) {
		if row.Status == domain.RowFailed {
			assert.Equal(t, "duplicate identity number", row.ErrorMessage)
		}
	}
}

func TestIngest_OutcomesFollowSourceOrder(t *testing.T) {
	h := newHarness(t, withWorkers(6))

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n") // blank lines still count towards source lines
	want := map[int]string{}
	for i := 1; i <= 40; i++ {
		id := identityNumber(t, fmt.Sprintf("8%05d5%03d08", 10101+i%28, i))
		want[i] = id
		fmt.Fprintf(&b, "Member %d,Row,%s,79800001,\n", i, id)
	}

	summary := h.ingest(t, b.String())
	require.Equal(t, domain.UploadCompleted, summary.Status, "%+v", summary)

	rows := h.rows(t, summary.UploadID)
	require.Len(t, rows, 40)
	for number, id := range want {
		row := rows[number]
		assert.Equal(t, fmt.Sprintf("Member %d", number), row.RawData["first_name"])
		assert.Equal(t, number+2, row.SourceLine)
		assert.Equal(t, id, h.application(t, row).IDNumber)
		assert.Equal(t, number, h.application(t, row).RowNumber)
	}
}

func TestIngest_RetriesTransientCommitErrors(t *testing.T) {
	h := newHarness(t, withWorkers(1))
	h.store.InjectCommitFaults(
		&pgconn.PgError{Code: pgerrcode.SerializationFailure},
		&pgconn.PgError{Code: pgerrcode.ConnectionFailure},
	)

	summary := h.ingest(t, header+"Thandi,Mokoena,8001015009087,79800001,\n")

	assert.Equal(t, domain.UploadCompleted, summary.Status)
	assert.Equal(t, 1, summary.SuccessfulRecords)
	assert.Equal(t, float64(2), counterValue(t, h.metrics.PersistenceRetries))
}

func TestIngest_PermanentCommitErrorFailsRow(t *testing.T) {
	h := newHarness(t, withWorkers(1))
	h.store.InjectCommitFaults(errors.New("disk full"))

	summary := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,79800001,\n"+
		"Lerato,Khumalo,9202204720083,79800001,\n")

	assert.Equal(t, domain.UploadCompletedWithErrors, summary.Status)
	row := h.rows(t, summary.UploadID)[1]
	assert.Equal(t, domain.RowFailed, row.Status)
	assert.Equal(t, CodePersistenceError, row.ErrorCode)
	assert.Contains(t, row.ErrorMessage, "disk full")
}

func TestIngest_ExhaustedRetriesFailRow(t *testing.T) {
	h := newHarness(t, withWorkers(1))
	fault := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	h.store.InjectCommitFaults(fault, fault, fault)

	summary := h.ingest(t, header+"Thandi,Mokoena,8001015009087,79800001,\n")

	assert.Equal(t, domain.UploadFailed, summary.Status)
	row := h.rows(t, summary.UploadID)[1]
	assert.Equal(t, CodePersistenceError, row.ErrorCode)
	assert.Nil(t, row.RecordID)
}

func TestIngest_CancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	upload := h.submit(t, "members.csv", header+
		"Thandi,Mokoena,8001015009087,79800001,\n"+
		"Lerato,Khumalo,9202204720083,79800001,\n")
	require.NoError(t, h.service.Cancel(ctx, upload.ID))

	summary, err := h.service.Ingest(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadFailed, summary.Status)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 2, summary.Pending)
	assert.Equal(t, "cancelled with 2 rows unprocessed", summary.ErrorMessage)

	require.ErrorIs(t, h.service.Cancel(ctx, upload.ID), domain.ErrInvalidTransition)
}

// blockingChecker stalls the nth duplicate check until its context ends or hold
// (default 5s) passes, after running onBlock.
type blockingChecker struct {
	next    validation.DuplicateChecker
	n       int32
	hold    time.Duration
	calls   atomic.Int32
	onBlock func()
}

func (b *blockingChecker) ExistsByIdentityNumber(ctx context.Context, idNumber string) (bool, error) {
	if b.calls.Add(1) == b.n {
		b.onBlock()
		hold := b.hold
		if hold == 0 {
			hold = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(hold):
		}
	}
	return b.next.ExistsByIdentityNumber(ctx, idNumber)
}

const threeRows = header +
	"Thandi,Mokoena,8001015009087,79800001,\n" +
	"Lerato,Khumalo,9202204720083,79800001,\n" +
	"Pieter,Botha,8503150123086,79800001,\n"

func TestIngest_CancelBetweenRows(t *testing.T) {
	var uploadID uuid.UUID
	var h *harness
	checker := &blockingChecker{n: 2}
	checker.onBlock = func() {
		assert.NoError(t, h.service.Cancel(context.Background(), uploadID))
	}
	h = newHarness(t, withWorkers(1), withDuplicates(func(apps repository.ApplicationRepository) validation.DuplicateChecker {
		checker.next = apps
		return checker
	}))

	uploadID = h.submit(t, "members.csv", threeRows).ID

	summary, err := h.service.Ingest(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompletedWithErrors, summary.Status)
	assert.Equal(t, 1, summary.SuccessfulRecords)
	assert.Equal(t, 0, summary.FailedRecords)
	assert.Equal(t, 2, summary.Pending)
	assert.True(t, summary.Cancelled)

	rows := h.rows(t, uploadID)
	assert.Equal(t, domain.RowSuccess, rows[1].Status)
	assert.Equal(t, domain.RowPending, rows[2].Status)
	assert.Equal(t, domain.RowPending, rows[3].Status)
}

func TestIngest_InterruptedRunResumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := &blockingChecker{n: 2, onBlock: cancel}
	h := newHarness(t, withWorkers(1), withDuplicates(func(apps repository.ApplicationRepository) validation.DuplicateChecker {
		checker.next = apps
		return checker
	}))

	upload := h.submit(t, "members.csv", threeRows)

	_, err := h.service.Ingest(ctx, upload.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.store.Uploads().GetByID(context.Background(), upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadProcessing, stored.Status)

	summary, err := h.service.Ingest(context.Background(), upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompleted, summary.Status)
	assert.Equal(t, 3, summary.SuccessfulRecords)

	perWard, err := h.store.Applications().CountByWard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, perWard["79800001"])
}

func TestIngest_RefusesConcurrentRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	upload := h.submit(t, "members.csv", threeRows)
	require.NoError(t, h.store.Uploads().AcquireLock(ctx, upload.ID, uuid.New(), time.Hour))

	_, err := h.service.Ingest(ctx, upload.ID)
	require.ErrorIs(t, err, ErrUploadInProgress)

	stored, err := h.store.Uploads().GetByID(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadPending, stored.Status)
}

func TestIngest_RenewsLockDuringLongRun(t *testing.T) {
	var uploadID uuid.UUID
	var h *harness
	var secondErr error
	checker := &blockingChecker{n: 2, hold: time.Millisecond}
	checker.onBlock = func() {
		// outlive several leases before another run tries to start
		time.Sleep(200 * time.Millisecond)
		_, secondErr = h.service.Ingest(context.Background(), uploadID)
	}
	h = newHarness(t, withWorkers(1), withLockLease(60*time.Millisecond), withDuplicates(func(apps repository.ApplicationRepository) validation.DuplicateChecker {
		checker.next = apps
		return checker
	}))
	uploadID = h.submit(t, "members.csv", threeRows).ID

	summary, err := h.service.Ingest(context.Background(), uploadID)
	require.NoError(t, err)
	assert.ErrorIs(t, secondErr, ErrUploadInProgress)
	assert.Equal(t, domain.UploadCompleted, summary.Status)
	assert.Equal(t, 3, summary.SuccessfulRecords)
}

func TestIngest_StopsWhenLockTakenOver(t *testing.T) {
	ctx := context.Background()
	var uploadID uuid.UUID
	var h *harness
	usurper := uuid.New()
	checker := &blockingChecker{n: 2}
	checker.onBlock = func() {
		// a zero lease treats the running marker as abandoned
		assert.NoError(t, h.store.Uploads().AcquireLock(ctx, uploadID, usurper, 0))
	}
	h = newHarness(t, withWorkers(1), withLockLease(30*time.Millisecond), withDuplicates(func(apps repository.ApplicationRepository) validation.DuplicateChecker {
		checker.next = apps
		return checker
	}))
	uploadID = h.submit(t, "members.csv", threeRows).ID

	_, err := h.service.Ingest(ctx, uploadID)
	require.ErrorIs(t, err, ErrLockLost)

	stored, err := h.store.Uploads().GetByID(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadProcessing, stored.Status)
	assert.Nil(t, stored.FinishedAt)

	rows := h.rows(t, uploadID)
	assert.Equal(t, domain.RowSuccess, rows[1].Status)
	assert.Equal(t, domain.RowPending, rows[2].Status)
	assert.Equal(t, domain.RowPending, rows[3].Status)

	// the stopped run must not have released the new holder's marker
	require.NoError(t, h.store.Uploads().ExtendLock(ctx, uploadID, usurper))
	require.NoError(t, h.store.Uploads().ReleaseLock(ctx, uploadID, usurper))

	summary, err := h.service.Ingest(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompleted, summary.Status)
	assert.Equal(t, 3, summary.SuccessfulRecords)
}

func TestIngest_UnreadableSourceFailsUpload(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		message string
	}{
		{name: "header only", file: "members.csv", content: header, message: "file contains no data rows"},
		{name: "corrupt workbook", file: "members.xlsx", content: "not a zip archive", message: "failed to open xlsx"},
		{name: "blank lines", file: "members.csv", content: "\n\n  \n", message: "file is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			upload := h.submit(t, tt.file, tt.content)

			summary, err := h.service.Ingest(context.Background(), upload.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.UploadFailed, summary.Status)
			assert.Contains(t, summary.ErrorMessage, tt.message)
			assert.Equal(t, 0, summary.TotalRecords)
		})
	}
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Submit(ctx, SubmitRequest{FileName: "members.pdf", UserID: "ops", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = h.service.Submit(ctx, SubmitRequest{FileName: "members.csv", UserID: "ops"})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = h.service.Submit(ctx, SubmitRequest{FileName: "members.csv", Data: []byte(threeRows)})
	assert.Error(t, err)
}

func TestSubmit_DispatchesIngestion(t *testing.T) {
	h := newHarness(t)
	dispatcher := NewLocalDispatcher(context.Background(), h.service)
	h.service.SetDispatcher(dispatcher)

	upload := h.submit(t, "members.csv", threeRows)
	assert.Equal(t, domain.UploadPending, upload.Status)
	assert.NotEmpty(t, upload.ExternalID)

	dispatcher.Wait()

	summary, err := h.service.Status(context.Background(), upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompleted, summary.Status)
	assert.Equal(t, 3, summary.SuccessfulRecords)
	assert.False(t, summary.Stale)
}

func TestResume_DispatchesUnfinishedUploads(t *testing.T) {
	h := newHarness(t)
	pending := h.submit(t, "members.csv", threeRows)
	finished := h.ingest(t, header+"Sipho,Dlamini,7506105678089,79800001,\n")

	dispatcher := NewLocalDispatcher(context.Background(), h.service)
	h.service.SetDispatcher(dispatcher)

	n, err := h.service.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dispatcher.Wait()

	summary, err := h.service.Status(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompleted, summary.Status)

	again, err := h.service.Status(context.Background(), finished.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.SuccessfulRecords)
}

type recordingDispatcher struct {
	ids []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(_ context.Context, uploadID uuid.UUID) error {
	d.ids = append(d.ids, uploadID)
	return nil
}

func TestResume_PagesThroughAllUnfinishedUploads(t *testing.T) {
	h := newHarness(t)
	want := map[uuid.UUID]bool{}
	for i := 0; i < resumePageSize+50; i++ {
		want[h.submit(t, fmt.Sprintf("members-%d.csv", i), threeRows).ID] = true
	}

	dispatcher := &recordingDispatcher{}
	h.service.SetDispatcher(dispatcher)

	n, err := h.service.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	got := map[uuid.UUID]bool{}
	for _, id := range dispatcher.ids {
		assert.False(t, got[id], "upload dispatched twice")
		got[id] = true
	}
	assert.Equal(t, want, got)
}

func TestStatus_ReportsDrift(t *testing.T) {
	h := newHarness(t)
	summary := h.ingest(t, threeRows)

	h.store.SetCounters(summary.UploadID, 1, 2)

	status, err := h.service.Status(context.Background(), summary.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.SuccessfulRecords)
	require.NotNil(t, status.Drift)
	assert.Equal(t, domain.RowCounts{Success: 1, Failed: 2}, status.Drift.Stored)

	reconciled, err := h.service.Reconcile(context.Background(), summary.UploadID)
	require.NoError(t, err)
	require.NotNil(t, reconciled.Drift)

	status, err = h.service.Status(context.Background(), summary.UploadID)
	require.NoError(t, err)
	assert.Nil(t, status.Drift)
}

func TestRows_FilterByStatus(t *testing.T) {
	h := newHarness(t)
	summary := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,79800001,\n"+
		"Sipho,Dlamini,,79800001,\n"+
		"Lerato,Khumalo,9202204720083,99999999,\n")

	failed, err := h.service.Rows(context.Background(), domain.RowFilter{UploadID: summary.UploadID, Status: domain.RowFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, 2, failed[0].RowNumber)
	assert.Equal(t, 3, failed[1].RowNumber)

	_, err = h.service.Rows(context.Background(), domain.RowFilter{UploadID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.submit(t, "members.csv", threeRows)
	require.ErrorIs(t, h.service.Purge(ctx, pending.ID), ErrUploadNotTerminal)

	summary, err := h.service.Ingest(ctx, pending.ID)
	require.NoError(t, err)
	rows := h.rows(t, summary.UploadID)
	recordID := *rows[1].RecordID

	require.NoError(t, h.service.Purge(ctx, summary.UploadID))

	_, err = h.service.Status(ctx, summary.UploadID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.files.Get(ctx, pending.FileKey)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)

	app, err := h.store.Applications().GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Nil(t, app.UploadID)
	assert.Equal(t, "8001015009087", app.IDNumber)
}

func TestRollupAndRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	summary := h.ingest(t, header+
		"Thandi,Mokoena,8001015009087,79800001,\n"+
		"Lerato,Khumalo,9202204720083,20000001,\n")
	require.NotEmpty(t, h.rows(t, summary.UploadID)[2].ResolutionFlags)

	rollup, err := h.service.Rollup(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"JHB-A": 1}, rollup.Municipalities)
	assert.Equal(t, map[string]int{"GP": 1}, rollup.Provinces)

	h.store.PutMunicipality(domain.Municipality{Code: "GONE", Name: "Restored", DistrictCode: null.StringFrom("JHB")})

	result, err := h.service.RepairGeography(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, reconcile.RepairResult{Examined: 1, Repaired: 1}, result)

	rollup, err = h.service.Rollup(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"GP": 2}, rollup.Provinces)

	// the row detail follows the repaired record
	assert.Empty(t, h.rows(t, summary.UploadID)[2].ResolutionFlags)
}
