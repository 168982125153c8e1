package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Service imports tabular files into an entity. Every imported row runs through
// the entity's lifecycle, so versioned entities record one version per row.
type Service struct {
	logger       *zap.Logger
	maxRowErrors int
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxRowErrors caps how many row errors a Summary reports. Rows past the cap
// are still counted as invalid.
func WithMaxRowErrors(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRowErrors = n
		}
	}
}

func NewService(opts ...Option) *Service {
	s := &Service{
		logger:       zap.NewNop(),
		maxRowErrors: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request describes the ingestion input.
type Request struct {
	FileName       string
	// HeaderRowIndex selects the zero-based header row. Nil picks the first non-empty row.
	HeaderRowIndex *int
	Data           io.Reader
}

// RowError describes a row that was not imported.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows      int        `json:"totalRows"`
	Created        int        `json:"created"`
	Saved          int        `json:"saved"`
	InvalidRows    int        `json:"invalidRows"`
	UnknownColumns []string   `json:"unknownColumns"`
	Errors         []RowError `json:"errors"`
}

type tableData struct {
	headers []string
	rows    [][]string
	// lines holds the 1-based source row number of each entry in rows.
	lines   []int
}

// Import reads the uploaded file and writes each row to store. Rows carrying the
// full primary key go through Save, the rest through Create. Row failures are
// reported in the summary; only read errors and cancellation fail the call.
func (s *Service) Import(ctx context.Context, store entity.Store, req Request) (Summary, error) {
	summary := Summary{
		UnknownColumns: []string{},
		Errors:         []RowError{},
	}
	if store == nil {
		return summary, errors.New("target entity is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}

	attrs := store.Attributes()
	for _, header := range table.headers {
		if _, ok := attrs[header]; !ok {
			summary.UnknownColumns = append(summary.UnknownColumns, header)
		}
	}
	primaryKeys := attrs.PrimaryKeys()
	summary.TotalRows = len(table.rows)

	logger := s.logger.With(zap.String("table", store.TableName()), zap.String("file", req.FileName))
	for rowIdx, row := range table.rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rowNumber := table.lines[rowIdx]

		record, err := buildRecord(table.headers, row, attrs)
		if err != nil {
			s.rowError(&summary, rowNumber, err)
			continue
		}
		if len(record) == 0 {
			s.rowError(&summary, rowNumber, errors.New("row has no known columns"))
			continue
		}

		if hasKeys(record, primaryKeys) {
			_, err = store.Save(ctx, record)
		} else {
			_, err = store.Create(ctx, record)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			logger.Debug("row rejected", zap.Int("row", rowNumber), zap.Error(err))
			s.rowError(&summary, rowNumber, fmt.Errorf("failed to write row: %w", err))
			continue
		}
		if hasKeys(record, primaryKeys) {
			summary.Saved++
		} else {
			summary.Created++
		}
	}

	logger.Info("import finished",
		zap.Int("rows", summary.TotalRows),
		zap.Int("created", summary.Created),
		zap.Int("saved", summary.Saved),
		zap.Int("invalid", summary.InvalidRows),
	)
	return summary, nil
}

func (s *Service) rowError(summary *Summary, rowNumber int, err error) {
	summary.InvalidRows++
	if len(summary.Errors) < s.maxRowErrors {
		summary.Errors = append(summary.Errors, RowError{Row: rowNumber, Message: err.Error()})
	}
}

func buildRecord(headers, row []string, attrs schema.Attributes) (schema.Record, error) {
	record := make(schema.Record, len(headers))
	for colIdx, header := range headers {
		attr, ok := attrs[header]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(row[colIdx])
		if raw == "" {
			continue
		}
		value, err := schema.Coerce(attr.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", header, err)
		}
		record[header] = value
	}
	return record, nil
}

func hasKeys(record schema.Record, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	return !slices.ContainsFunc(keys, func(k string) bool {
		return record[k] == nil
	})
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	headerIndex := -1

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if isBlank(records[*headerRowIndex]) {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		headerIndex = *headerRowIndex
	} else {
		for idx, row := range records {
			if !isBlank(row) {
				headerRow = row
				headerIndex = idx
				break
			}
		}
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	table := tableData{headers: headers}
	for idx := headerIndex + 1; idx < len(records); idx++ {
		if isBlank(records[idx]) {
			continue
		}
		table.rows = append(table.rows, padRow(records[idx], len(headers)))
		table.lines = append(table.lines, idx+1)
	}
	return table, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
		name = strings.Trim(name, "_")
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

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
