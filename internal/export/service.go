// Package export writes the rejected rows of an upload back out as a spreadsheet so
// they can be corrected and resubmitted.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/logging"
	"github.com/rpattn/memberships/internal/validation"
)

// Format is the file format of an error report.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"

	defaultPageSize = 500
)

// ErrUnknownFormat is returned for a report format other than csv or xlsx.
var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat maps a requested format onto a supported one; empty means csv.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", value)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// UploadSource is the read side of the ingestion store used for reports.
type UploadSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Upload, error)
}

// RowSource lists row outcomes page by page.
type RowSource interface {
	List(ctx context.Context, filter domain.RowFilter) ([]domain.UploadRow, error)
}

// Service builds error reports for uploads.
type Service struct {
	uploads  UploadSource
	rows     RowSource
	pageSize int
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func NewService(uploads UploadSource, rows RowSource, opts ...Option) *Service {
	s := &Service{uploads: uploads, rows: rows, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report describes a written error report.
type Report struct {
	FileName     string
	Format       Format
	RowsExported int
	BytesWritten int64
}

// FileName is the download name of an upload's error report.
func FileName(upload domain.Upload, format Format) string {
	base := sanitizeFileComponent(strings.TrimSuffix(upload.FileName, filepath.Ext(upload.FileName)))
	return fmt.Sprintf("%s-errors.%s", base, format)
}

// WriteFailedRows streams every failed row of an upload to w. Each row carries its
// source line, error code and message ahead of the original cell values.
func (s *Service) WriteFailedRows(ctx context.Context, uploadID uuid.UUID, format Format, w io.Writer) (Report, error) {
	upload, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return Report{}, errors.Wrapf(err, "failed to load upload %s", uploadID)
	}

	var sink rowSink
	switch format {
	case FormatCSV:
		sink = newCSVSink(w)
	case FormatXLSX:
		sink, err = newXLSXSink(w)
		if err != nil {
			return Report{}, err
		}
	default:
		return Report{}, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}

	report := Report{FileName: FileName(upload, format), Format: format}
	var columns []string
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.rows.List(ctx, domain.RowFilter{
			UploadID: uploadID,
			Status:   domain.RowFailed,
			Limit:    s.pageSize,
			Offset:   offset,
		})
		if err != nil {
			return report, errors.Wrap(err, "failed to list failed rows")
		}
		if columns == nil {
			columns = rawColumns(page)
			if err := sink.write(append([]string{"row_number", "source_line", "error_code", "error_message"}, columns...)); err != nil {
				return report, err
			}
		}
		for _, row := range page {
			record := make([]string, 0, len(columns)+4)
			record = append(record,
				strconv.Itoa(row.RowNumber),
				strconv.Itoa(row.SourceLine),
				row.ErrorCode,
				row.ErrorMessage,
			)
			for _, column := range columns {
				record = append(record, row.RawData.Get(column))
			}
			if err := sink.write(record); err != nil {
				return report, err
			}
			report.RowsExported++
		}
		if len(page) < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	written, err := sink.close()
	if err != nil {
		return report, err
	}
	report.BytesWritten = written

	logging.FromContext(ctx).WithField("upload_id", uploadID).
		WithField("rows", report.RowsExported).
		WithField("format", format).
		Info("error report written")
	return report, nil
}

// rawColumns orders the source columns of a page: mandatory columns first, the rest
// alphabetically. Rows of one upload share a header, so the first page decides.
func rawColumns(rows []domain.UploadRow) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for column := range row.RawData {
			seen[column] = struct{}{}
		}
	}

	columns := make([]string, 0, len(seen))
	for _, column := range validation.MandatoryColumns {
		if _, ok := seen[column]; ok {
			columns = append(columns, column)
			delete(seen, column)
		}
	}
	rest := make([]string, 0, len(seen))
	for column := range seen {
		rest = append(rest, column)
	}
	sort.Strings(rest)
	return append(columns, rest...)
}

type rowSink interface {
	write(record []string) error
	close() (int64, error)
}

type csvSink struct {
	buffered *bufio.Writer
	counter  *countingWriter
	csv      *csv.Writer
}

func newCSVSink(w io.Writer) *csvSink {
	counter := &countingWriter{writer: w}
	buffered := bufio.NewWriterSize(counter, 64<<10)
	return &csvSink{buffered: buffered, counter: counter, csv: csv.NewWriter(buffered)}
}

func (s *csvSink) write(record []string) error {
	if err := s.csv.Write(record); err != nil {
		return errors.Wrap(err, "write csv row")
	}
	return nil
}

func (s *csvSink) close() (int64, error) {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return s.counter.count, errors.Wrap(err, "flush csv rows")
	}
	if err := s.buffered.Flush(); err != nil {
		return s.counter.count, errors.Wrap(err, "flush buffered rows")
	}
	return s.counter.count, nil
}

type xlsxSink struct {
	out    io.Writer
	file   *excelize.File
	stream *excelize.StreamWriter
	row    int
}

func newXLSXSink(w io.Writer) (*xlsxSink, error) {
	f := excelize.NewFile()
	stream, err := f.NewStreamWriter(f.GetSheetName(0))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "open xlsx stream")
	}
	return &xlsxSink{out: w, file: f, stream: stream}, nil
}

func (s *xlsxSink) write(record []string) error {
	s.row++
	cells := make([]any, len(record))
	for i, value := range record {
		cells[i] = value
	}
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return errors.Wrap(err, "xlsx cell name")
	}
	if err := s.stream.SetRow(cell, cells); err != nil {
		return errors.Wrap(err, "write xlsx row")
	}
	return nil
}

func (s *xlsxSink) close() (int64, error) {
	defer func() { _ = s.file.Close() }()
	if err := s.stream.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush xlsx rows")
	}
	counter := &countingWriter{writer: s.out}
	if _, err := s.file.WriteTo(counter); err != nil {
		return counter.count, errors.Wrap(err, "write xlsx file")
	}
	return counter.count, nil
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "upload"
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "upload"
	}
	return result
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
