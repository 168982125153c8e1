package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/versioned/pkg/versioning"
)

// ErrUnsupportedFormat is returned for formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat parses a format name. Empty selects csv.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// History is the version history of one shadow table.
type History struct {
	Table       string
	Columns     versioning.Columns
	// DataColumns are the snapshot columns, in output order.
	DataColumns []string
	Rows        []versioning.VersionRow
}

// Headers returns the reserved columns followed by the data columns.
func (h History) Headers() []string {
	return append(h.Columns.Names(), h.DataColumns...)
}

// Service writes version history files.
type Service struct {
	sheetName string
	now       func() time.Time
}

type Option func(*Service)

// WithSheetName sets the worksheet name of xlsx exports.
func WithSheetName(name string) Option {
	return func(s *Service) {
		if strings.TrimSpace(name) != "" {
			s.sheetName = name
		}
	}
}

// WithClock sets the clock used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(opts ...Option) *Service {
	service := &Service{
		sheetName: "History",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Write encodes h to w and returns the number of bytes written.
func (s *Service) Write(w io.Writer, format Format, h History) (int64, error) {
	counter := &countingWriter{writer: w}
	var err error
	switch format {
	case FormatCSV:
		err = s.writeCSV(counter, h)
	case FormatXLSX:
		err = s.writeXLSX(counter, h)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return counter.count, err
}

// FileName returns a download name such as version_users-20240102T030405Z.csv.
func (s *Service) FileName(table string, format Format) string {
	return fmt.Sprintf("%s-%s.%s", sanitizeFileComponent(table), s.now().UTC().Format("20060102T150405Z"), format)
}

func (s *Service) writeCSV(w io.Writer, h History) error {
	buffered := bufio.NewWriterSize(w, 1<<16)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(h.Headers()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, 3+len(h.DataColumns))
	for _, row := range h.Rows {
		record[0] = strconv.FormatInt(row.ID, 10)
		record[1] = row.Type.String()
		record[2] = formatValue(row.Timestamp)
		for i, col := range h.DataColumns {
			record[3+i] = formatValue(row.Data[col])
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", row.ID, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush buffered csv: %w", err)
	}
	return nil
}

func (s *Service) writeXLSX(w io.Writer, h History) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", s.sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(s.sheetName)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	headers := h.Headers()
	headerCells := make([]any, len(headers))
	for i, name := range headers {
		headerCells[i] = name
	}
	if err := sw.SetRow("A1", headerCells, excelize.RowOpts{StyleID: headerStyle}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range h.Rows {
		cells := make([]any, 0, len(headers))
		cells = append(cells, row.ID, row.Type.String(), row.Timestamp)
		for _, col := range h.DataColumns {
			cells = append(cells, cellValue(row.Data[col]))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("write row %d: %w", row.ID, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// cellValue keeps numbers, booleans and times native so spreadsheets can sort them.
func cellValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case int64, float64, bool, string, time.Time:
		return v
	default:
		return formatValue(v)
	}
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

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sanitizeFileComponent(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "export"
	}
	return b.String()
}
