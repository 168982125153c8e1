package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/versioned/pkg/schema"
	"github.com/rpattn/versioned/pkg/versioning"
)

func sampleHistory() History {
	ts := time.Date(2024, 4, 5, 6, 7, 8, 0, time.UTC)
	return History{
		Table:       "version_users",
		Columns:     versioning.ReservedColumns("version"),
		DataColumns: []string{"id", "name", "tags"},
		Rows: []versioning.VersionRow{
			{ID: 1, Type: versioning.Create, Timestamp: ts, Data: schema.Record{"id": int64(1), "name": "Ann", "tags": []any{"a"}}},
			{ID: 2, Type: versioning.Delete, Timestamp: ts, Data: schema.Record{"id": int64(1), "name": "Ann, Jr."}},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewService().Write(&buf, FormatCSV, sampleHistory())
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("expected %d bytes reported, got %d", buf.Len(), n)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(records))
	}
	wantHeader := []string{"version_id", "version_type", "version_timestamp", "id", "name", "tags"}
	for i, h := range wantHeader {
		if records[0][i] != h {
			t.Fatalf("header %d: expected %s, got %s", i, h, records[0][i])
		}
	}
	if records[1][1] != "CREATE" || records[1][2] != "2024-04-05T06:07:08Z" || records[1][5] != `["a"]` {
		t.Fatalf("unexpected first row %v", records[1])
	}
	if records[2][4] != "Ann, Jr." || records[2][5] != "" {
		t.Fatalf("unexpected second row %v", records[2])
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewService(WithSheetName("Users")).Write(&buf, FormatXLSX, sampleHistory()); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Users")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "version_id" || rows[1][0] != "1" || rows[1][1] != "CREATE" || rows[2][4] != "Ann, Jr." {
		t.Fatalf("unexpected sheet contents %v", rows)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatCSV {
		t.Fatalf("expected csv default, got %s %v", f, err)
	}
	if f, err := ParseFormat("XLSX"); err != nil || f != FormatXLSX {
		t.Fatalf("expected xlsx, got %s %v", f, err)
	}
	if _, err := ParseFormat("pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFileName(t *testing.T) {
	svc := NewService(WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }))
	if got := svc.FileName("audit.version users", FormatCSV); got != "audit_version_users-20240102T030405Z.csv" {
		t.Fatalf("unexpected file name %s", got)
	}
}
