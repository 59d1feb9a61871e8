package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/memberships/internal/domain"
)

type memoryLock struct {
	token      uuid.UUID
	acquiredAt time.Time
}

// MemoryStore keeps every repository in process memory. A single mutex serialises
// writes so a row commit is atomic and identity numbers stay unique, matching the
// guarantees of the postgres schema.
type MemoryStore struct {
	mu sync.RWMutex

	uploads      map[uuid.UUID]domain.Upload
	locks        map[uuid.UUID]memoryLock
	rows         map[uuid.UUID]map[int]domain.UploadRow
	applications map[uuid.UUID]domain.MembershipApplication
	idNumbers    map[string]uuid.UUID

	provinces      map[string]domain.Province
	districts      map[string]domain.District
	municipalities map[string]domain.Municipality
	wards          map[string]domain.Ward
	lookups        []domain.LookupEntry

	commitFaults []error
	now          func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:        make(map[uuid.UUID]domain.Upload),
		locks:          make(map[uuid.UUID]memoryLock),
		rows:           make(map[uuid.UUID]map[int]domain.UploadRow),
		applications:   make(map[uuid.UUID]domain.MembershipApplication),
		idNumbers:      make(map[string]uuid.UUID),
		provinces:      make(map[string]domain.Province),
		districts:      make(map[string]domain.District),
		municipalities: make(map[string]domain.Municipality),
		wards:          make(map[string]domain.Ward),
		now:            time.Now,
	}
}

func (s *MemoryStore) Uploads() UploadRepository { return memoryUploads{s} }
func (s *MemoryStore) Rows() UploadRowRepository { return memoryRows{s} }
func (s *MemoryStore) Applications() ApplicationRepository { return memoryApplications{s} }
func (s *MemoryStore) Reference() ReferenceRepository { return memoryReference{s} }

// PutProvince, PutDistrict, PutMunicipality, PutWard and PutLookup seed reference data.
func (s *MemoryStore) PutProvince(p domain.Province) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provinces[p.Code] = p
}

func (s *MemoryStore) PutDistrict(d domain.District) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.districts[d.Code] = d
}

func (s *MemoryStore) PutMunicipality(m domain.Municipality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.municipalities[m.Code] = m
}

func (s *MemoryStore) PutWard(w domain.Ward) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wards[w.Code] = w
}

func (s *MemoryStore) PutLookup(entry domain.LookupEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups = append(s.lookups, entry)
}

// InjectCommitFaults makes the next row commits fail with errs, in order, before
// anything is written.
func (s *MemoryStore) InjectCommitFaults(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFaults = append(s.commitFaults, errs...)
}

// DeleteApplication removes a record without touching its row. Used to simulate
// drift between the row table and the record table.
func (s *MemoryStore) DeleteApplication(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.applications[id]; ok {
		delete(s.idNumbers, app.IDNumber)
		delete(s.applications, id)
	}
}

// SetCounters overwrites stored counters without validation. Used to simulate drift.
func (s *MemoryStore) SetCounters(id uuid.UUID, success, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[id]; ok {
		u.SuccessfulRecords = success
		u.FailedRecords = failed
		s.uploads[id] = u
	}
}

func (s *MemoryStore) popCommitFault() error {
	if len(s.commitFaults) == 0 {
		return nil
	}
	err := s.commitFaults[0]
	s.commitFaults = s.commitFaults[1:]
	return err
}

type memoryUploads struct{ s *MemoryStore }

func (m memoryUploads) Create(_ context.Context, upload domain.Upload) (domain.Upload, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.uploads[upload.ID]; ok {
		return domain.Upload{}, errors.Newf("upload %s already exists", upload.ID)
	}
	for _, existing := range m.s.uploads {
		if existing.ExternalID == upload.ExternalID {
			return domain.Upload{}, errors.Newf("external id %s already in use", upload.ExternalID)
		}
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = m.s.now()
	}
	m.s.uploads[upload.ID] = upload
	return upload, nil
}

func (m memoryUploads) GetByID(_ context.Context, id uuid.UUID) (domain.Upload, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	upload, ok := m.s.uploads[id]
	if !ok {
		return domain.Upload{}, domain.ErrNotFound
	}
	return upload, nil
}

func (m memoryUploads) GetByExternalID(_ context.Context, externalID string) (domain.Upload, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, upload := range m.s.uploads {
		if upload.ExternalID == externalID {
			return upload, nil
		}
	}
	return domain.Upload{}, domain.ErrNotFound
}

func (m memoryUploads) ListByStatus(_ context.Context, status domain.UploadStatus, after *UploadCursor, limit int) ([]domain.Upload, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := []domain.Upload{}
	for _, upload := range m.s.uploads {
		if upload.Status != status {
			continue
		}
		if after != nil && !cursorBefore(*after, upload) {
			continue
		}
		out = append(out, upload)
	}
	sort.Slice(out, func(i, j int) bool { return cursorBefore(*CursorAfter(out[i]), out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cursorBefore orders by creation time, then id, the same way postgres compares the
// (created_at, id) row.
func cursorBefore(c UploadCursor, upload domain.Upload) bool {
	if !c.CreatedAt.Equal(upload.CreatedAt) {
		return c.CreatedAt.Before(upload.CreatedAt)
	}
	return bytes.Compare(c.ID[:], upload.ID[:]) < 0
}

// open returns the upload when it may still change status. Callers hold the lock.
func (m memoryUploads) open(id uuid.UUID, next domain.UploadStatus) (domain.Upload, error) {
	upload, ok := m.s.uploads[id]
	if !ok {
		return domain.Upload{}, domain.ErrNotFound
	}
	if upload.Status.IsTerminal() {
		return domain.Upload{}, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", upload.Status, next)
	}
	return upload, nil
}

func (m memoryUploads) MarkProcessing(_ context.Context, id uuid.UUID, totalRecords int) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	upload, err := m.open(id, domain.UploadProcessing)
	if err != nil {
		return err
	}
	if upload.SuccessfulRecords+upload.FailedRecords > totalRecords {
		return errors.Newf("counters exceed total of %d records", totalRecords)
	}
	upload.Status = domain.UploadProcessing
	upload.TotalRecords = totalRecords
	if upload.StartedAt == nil {
		now := m.s.now()
		upload.StartedAt = &now
	}
	m.s.uploads[id] = upload
	return nil
}

func (m memoryUploads) Finish(_ context.Context, id uuid.UUID, status domain.UploadStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s is not a terminal status", status)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	upload, err := m.open(id, status)
	if err != nil {
		return err
	}
	now := m.s.now()
	upload.Status = status
	upload.ErrorMessage = errorMessage
	upload.FinishedAt = &now
	m.s.uploads[id] = upload
	return nil
}

func (m memoryUploads) UpdateCounters(_ context.Context, id uuid.UUID, counts domain.RowCounts) (domain.RowCounts, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	upload, ok := m.s.uploads[id]
	if !ok {
		return domain.RowCounts{}, domain.ErrNotFound
	}
	if counts.Success+counts.Failed > upload.TotalRecords {
		return domain.RowCounts{}, errors.Newf("counters %d+%d exceed total %d", counts.Success, counts.Failed, upload.TotalRecords)
	}
	previous := domain.RowCounts{Success: upload.SuccessfulRecords, Failed: upload.FailedRecords}
	upload.SuccessfulRecords = counts.Success
	upload.FailedRecords = counts.Failed
	m.s.uploads[id] = upload
	return previous, nil
}

func (m memoryUploads) RequestCancel(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	upload, err := m.open(id, domain.UploadFailed)
	if err != nil {
		return err
	}
	if upload.CancelRequestedAt == nil {
		now := m.s.now()
		upload.CancelRequestedAt = &now
	}
	m.s.uploads[id] = upload
	return nil
}

func (m memoryUploads) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	upload, ok := m.s.uploads[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return upload.CancelRequestedAt != nil, nil
}

func (m memoryUploads) AcquireLock(_ context.Context, id uuid.UUID, token uuid.UUID, lease time.Duration) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.uploads[id]; !ok {
		return domain.ErrNotFound
	}
	now := m.s.now()
	if held, ok := m.s.locks[id]; ok && now.Sub(held.acquiredAt) < lease {
		return ErrUploadLocked
	}
	m.s.locks[id] = memoryLock{token: token, acquiredAt: now}
	return nil
}

func (m memoryUploads) ExtendLock(_ context.Context, id uuid.UUID, token uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	held, ok := m.s.locks[id]
	if !ok || held.token != token {
		return ErrLockNotHeld
	}
	held.acquiredAt = m.s.now()
	m.s.locks[id] = held
	return nil
}

func (m memoryUploads) ReleaseLock(_ context.Context, id uuid.UUID, token uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if held, ok := m.s.locks[id]; ok && held.token == token {
		delete(m.s.locks, id)
	}
	return nil
}

func (m memoryUploads) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.uploads[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.s.uploads, id)
	delete(m.s.locks, id)
	delete(m.s.rows, id)
	for appID, app := range m.s.applications {
		if app.UploadID != nil && *app.UploadID == id {
			app.UploadID = nil
			m.s.applications[appID] = app
		}
	}
	return nil
}

type memoryRows struct{ s *MemoryStore }

func (m memoryRows) InsertPending(_ context.Context, rows []domain.UploadRow) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, row := range rows {
		if _, ok := m.s.uploads[row.UploadID]; !ok {
			return errors.Wrapf(domain.ErrNotFound, "upload %s", row.UploadID)
		}
		byNumber, ok := m.s.rows[row.UploadID]
		if !ok {
			byNumber = make(map[int]domain.UploadRow)
			m.s.rows[row.UploadID] = byNumber
		}
		if _, exists := byNumber[row.RowNumber]; exists {
			continue
		}
		row.Status = domain.RowPending
		row.RecordID = nil
		row.ErrorCode = ""
		row.ErrorMessage = ""
		row.ProcessedAt = nil
		byNumber[row.RowNumber] = row
	}
	return nil
}

func (m memoryRows) sorted(uploadID uuid.UUID, keep func(domain.UploadRow) bool) []domain.UploadRow {
	out := []domain.UploadRow{}
	for _, row := range m.s.rows[uploadID] {
		if keep(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out
}

func (m memoryRows) ListPending(_ context.Context, uploadID uuid.UUID) ([]domain.UploadRow, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return m.sorted(uploadID, func(row domain.UploadRow) bool { return row.Status == domain.RowPending }), nil
}

func (m memoryRows) List(_ context.Context, filter domain.RowFilter) ([]domain.UploadRow, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := m.sorted(filter.UploadID, func(row domain.UploadRow) bool {
		return filter.Status == "" || row.Status == filter.Status
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := max(filter.Offset, 0)
	if offset >= len(out) {
		return []domain.UploadRow{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memoryRows) CountByStatus(_ context.Context, uploadID uuid.UUID) (domain.RowCounts, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var counts domain.RowCounts
	for _, row := range m.s.rows[uploadID] {
		switch row.Status {
		case domain.RowSuccess:
			counts.Success++
		case domain.RowFailed:
			counts.Failed++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}

// pending returns the stored row when it can still take an outcome. Callers hold the lock.
func (m memoryRows) pending(row domain.UploadRow) (domain.UploadRow, error) {
	stored, ok := m.s.rows[row.UploadID][row.RowNumber]
	if !ok {
		return domain.UploadRow{}, errors.Wrapf(domain.ErrNotFound, "row %d", row.RowNumber)
	}
	if stored.Status.IsTerminal() {
		return domain.UploadRow{}, errors.Wrapf(ErrRowAlreadyFinal, "row %d", row.RowNumber)
	}
	return stored, nil
}

func (m memoryRows) CommitSuccess(_ context.Context, row domain.UploadRow, application domain.MembershipApplication) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.popCommitFault(); err != nil {
		return err
	}
	stored, err := m.pending(row)
	if err != nil {
		return err
	}
	if _, taken := m.s.idNumbers[application.IDNumber]; taken {
		return errors.Wrapf(ErrDuplicateIdentity, "id number %s", application.IDNumber)
	}
	if application.CreatedAt.IsZero() {
		application.CreatedAt = m.s.now()
	}
	application.ResolutionFlags = nonNilFlags(application.ResolutionFlags)
	m.s.applications[application.ID] = application
	m.s.idNumbers[application.IDNumber] = application.ID

	m.s.rows[row.UploadID][row.RowNumber] = stored.Succeeded(application.ID, application.ResolutionFlags, m.s.now())
	return nil
}

func (m memoryRows) CommitFailure(_ context.Context, row domain.UploadRow) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.popCommitFault(); err != nil {
		return err
	}
	stored, err := m.pending(row)
	if err != nil {
		return err
	}
	m.s.rows[row.UploadID][row.RowNumber] = stored.Failed(row.ErrorCode, row.ErrorMessage, m.s.now())
	return nil
}

func (m memoryRows) FindInconsistencies(_ context.Context, uploadID uuid.UUID) ([]domain.RowInconsistency, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := []domain.RowInconsistency{}
	for _, row := range m.s.rows[uploadID] {
		if row.Status != domain.RowSuccess {
			continue
		}
		if row.RecordID == nil {
			out = append(out, domain.RowInconsistency{RowNumber: row.RowNumber, Status: row.Status, Problem: domain.InconsistencySuccessWithoutRecord})
			continue
		}
		if _, ok := m.s.applications[*row.RecordID]; !ok {
			out = append(out, domain.RowInconsistency{RowNumber: row.RowNumber, Status: row.Status, RecordID: row.RecordID, Problem: domain.InconsistencySuccessWithoutRecord})
		}
	}
	for _, app := range m.s.applications {
		if app.UploadID == nil || *app.UploadID != uploadID {
			continue
		}
		row, ok := m.s.rows[uploadID][app.RowNumber]
		if ok && row.Status == domain.RowSuccess && row.RecordID != nil && *row.RecordID == app.ID {
			continue
		}
		status := domain.RowPending
		if ok {
			status = row.Status
		}
		id := app.ID
		out = append(out, domain.RowInconsistency{RowNumber: app.RowNumber, Status: status, RecordID: &id, Problem: domain.InconsistencyRecordWithoutSuccess})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

type memoryApplications struct{ s *MemoryStore }

func (m memoryApplications) ExistsByIdentityNumber(_ context.Context, idNumber string) (bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	_, ok := m.s.idNumbers[idNumber]
	return ok, nil
}

func (m memoryApplications) GetByID(_ context.Context, id uuid.UUID) (domain.MembershipApplication, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	app, ok := m.s.applications[id]
	if !ok {
		return domain.MembershipApplication{}, domain.ErrNotFound
	}
	return app, nil
}

func (m memoryApplications) ListPartiallyResolved(_ context.Context, limit int) ([]domain.MembershipApplication, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}
	out := []domain.MembershipApplication{}
	for _, app := range m.s.applications {
		if app.PartiallyResolved() {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RowNumber < out[j].RowNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memoryApplications) UpdateGeography(_ context.Context, id uuid.UUID, chain domain.GeoChain) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	app, ok := m.s.applications[id]
	if !ok {
		return domain.ErrNotFound
	}
	app.MunicipalityCode = chain.MunicipalityCode
	app.DistrictCode = chain.DistrictCode
	app.ProvinceCode = chain.ProvinceCode
	app.ResolutionFlags = nonNilFlags(append([]string(nil), chain.Flags...))
	m.s.applications[id] = app

	if app.UploadID == nil {
		return nil
	}
	for number, row := range m.s.rows[*app.UploadID] {
		if row.RecordID != nil && *row.RecordID == id {
			row.ResolutionFlags = append([]string(nil), app.ResolutionFlags...)
			m.s.rows[*app.UploadID][number] = row
		}
	}
	return nil
}

func (m memoryApplications) CountByWard(_ context.Context) (map[string]int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	counts := map[string]int{}
	for _, app := range m.s.applications {
		counts[app.WardCode]++
	}
	return counts, nil
}

type memoryReference struct{ s *MemoryStore }

func (m memoryReference) GetWardsByCodes(_ context.Context, codes []string) ([]domain.Ward, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]domain.Ward, 0, len(codes))
	for _, code := range codes {
		if ward, ok := m.s.wards[code]; ok {
			out = append(out, ward)
		}
	}
	return out, nil
}

func (m memoryReference) GetMunicipality(_ context.Context, code string) (domain.Municipality, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	muni, ok := m.s.municipalities[code]
	if !ok {
		return domain.Municipality{}, errors.Wrapf(domain.ErrNotFound, "municipality %s", code)
	}
	return muni, nil
}

func (m memoryReference) GetDistrict(_ context.Context, code string) (domain.District, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	district, ok := m.s.districts[code]
	if !ok {
		return domain.District{}, errors.Wrapf(domain.ErrNotFound, "district %s", code)
	}
	return district, nil
}

func (m memoryReference) GetProvince(_ context.Context, code string) (domain.Province, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	province, ok := m.s.provinces[code]
	if !ok {
		return domain.Province{}, errors.Wrapf(domain.ErrNotFound, "province %s", code)
	}
	return province, nil
}

func (m memoryReference) ListLookups(_ context.Context) ([]domain.LookupEntry, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return append([]domain.LookupEntry{}, m.s.lookups...), nil
}
