package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/memberships/internal/domain"
	"github.com/rpattn/memberships/internal/validation"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyFile is returned for a source without a header row.
	ErrEmptyFile = errors.New("file is empty")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// sourceRow is one data row with its position in the sheet.
type sourceRow struct {
	number int // 1-based data row index
	line   int // 1-based line in the source, header included
	values domain.RawRow
}

type sourceTable struct {
	headers []string
	rows    []sourceRow
}

// parseTable reads the first sheet of a CSV or XLSX file. The first non-blank line is
// the header; blank lines are skipped but still count towards source line numbers.
func parseTable(fileName string, payload []byte) (sourceTable, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return sourceTable{}, ErrEmptyFile
	}

	var (
		records []numberedRecord
		err     error
	)
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv", ".txt":
		records, err = readCSV(payload)
	case ".xlsx":
		records, err = readExcel(payload)
	default:
		return sourceTable{}, errors.Wrapf(ErrUnsupportedFormat, "%q", ext)
	}
	if err != nil {
		return sourceTable{}, err
	}
	return normalizeTable(records)
}

type numberedRecord struct {
	line  int
	cells []string
}

func readCSV(payload []byte) ([]numberedRecord, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	var records []numberedRecord
	for {
		cells, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read csv")
		}
		line, _ := csvReader.FieldPos(0)
		records = append(records, numberedRecord{line: line, cells: cells})
	}
	return records, nil
}

func readExcel(payload []byte) ([]numberedRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open xlsx")
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rows from xlsx")
	}

	records := make([]numberedRecord, 0, len(rows))
	for idx, cells := range rows {
		records = append(records, numberedRecord{line: idx + 1, cells: cells})
	}
	return records, nil
}

func normalizeTable(records []numberedRecord) (sourceTable, error) {
	headerIndex := -1
	for idx, record := range records {
		if !isBlank(record.cells) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return sourceTable{}, ErrEmptyFile
	}

	headers := sanitizeHeaders(records[headerIndex].cells)
	table := sourceTable{headers: headers}

	for _, record := range records[headerIndex+1:] {
		if isBlank(record.cells) {
			continue
		}
		cells := padRow(record.cells, len(headers))
		values := make(domain.RawRow, len(cells))
		for i, header := range headers {
			values[header] = strings.TrimSpace(cells[i])
		}
		keepOverflow(values, cells[len(headers):], len(headers))
		table.rows = append(table.rows, sourceRow{
			number: len(table.rows) + 1,
			line:   record.line,
			values: values,
		})
	}
	return table, nil
}

func isBlank(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sanitizeHeaders maps raw header labels onto canonical column names. Blank headers
// become column_N and repeated names get a numeric suffix.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := validation.CanonicalColumn(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

// padRow extends row to length. Longer rows are returned whole.
func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// keepOverflow stores non-blank cells past the header as column_N, N being the
// 1-based position in the source row, so the raw snapshot keeps every value.
func keepOverflow(values domain.RawRow, overflow []string, offset int) {
	for i, cell := range overflow {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		name := fmt.Sprintf("column_%d", offset+i+1)
		for {
			if _, taken := values[name]; !taken {
				break
			}
			name += "_overflow"
		}
		values[name] = cell
	}
}
