package ingestion

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/versioned/pkg/engine/memory"
	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
	"github.com/rpattn/versioned/pkg/versioning"
)

func newUsers(t *testing.T) *memory.Model {
	t.Helper()
	return memory.New().MustDefine(schema.Definition{
		Name:      "User",
		TableName: "users",
		Attributes: schema.Attributes{
			"id":     {Type: schema.FieldTypeInteger, PrimaryKey: true, AutoIncrement: true},
			"name":   {Type: schema.FieldTypeString, NotNull: true},
			"age":    {Type: schema.FieldTypeInteger},
			"active": {Type: schema.FieldTypeBoolean},
		},
	})
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	users := newUsers(t)

	payload := "\xEF\xBB\xBF\n Name ,Age,Active,Nickname\nAnn,31,true,annie\n,,,\nBob,not-a-number,false,\nCara,,,c\n"
	summary, err := NewService().Import(ctx, users, Request{FileName: "users.csv", Data: strings.NewReader(payload)})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalRows)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.InvalidRows)
	assert.Equal(t, []string{"nickname"}, summary.UnknownColumns)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, 4, summary.Errors[0].Row)
	assert.Contains(t, summary.Errors[0].Message, "field age")

	rows, err := users.Find(ctx, entity.Query{OrderBy: "id"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ann", rows[0]["name"])
	assert.Equal(t, int64(31), rows[0]["age"])
	assert.Equal(t, true, rows[0]["active"])
	assert.Nil(t, rows[1]["age"])
}

func TestImportSavesKeyedRowsAndRecordsVersions(t *testing.T) {
	ctx := context.Background()
	users := newUsers(t)
	shadow, err := versioning.Version(ctx, users, versioning.Options{})
	require.NoError(t, err)

	_, err = users.Create(ctx, schema.Record{"name": "Ann"})
	require.NoError(t, err)

	payload := "id,name\n1,Annie\n7,Gus\n"
	summary, err := NewService().Import(ctx, users, Request{FileName: "users.CSV", Data: strings.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Saved)
	assert.Zero(t, summary.InvalidRows)

	history, err := shadow.History(ctx, schema.Record{"id": int64(1)})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, versioning.Create, history[0].Type)
	assert.Equal(t, versioning.Update, history[1].Type)
	assert.Equal(t, "Annie", history[1].Data["name"])

	history, err = shadow.History(ctx, schema.Record{"id": int64(7)})
	require.NoError(t, err)
	// a standalone save is recorded as an update even when it inserted
	require.Len(t, history, 1)
	assert.Equal(t, versioning.Update, history[0].Type)
}

func TestImportXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"title"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"ignored"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"name", "age"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A4", &[]any{"Dee", 40}))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	users := newUsers(t)
	header := 2
	summary, err := NewService().Import(context.Background(), users, Request{
		FileName:       "people.xlsx",
		HeaderRowIndex: &header,
		Data:           &buf,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, users.Len())
}

func TestImportRejectsInput(t *testing.T) {
	ctx := context.Background()
	users := newUsers(t)
	svc := NewService()

	_, err := svc.Import(ctx, users, Request{FileName: "users.pdf", Data: strings.NewReader("x")})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = svc.Import(ctx, users, Request{FileName: "users.csv", Data: strings.NewReader("")})
	assert.Error(t, err)

	_, err = svc.Import(ctx, nil, Request{FileName: "users.csv", Data: strings.NewReader("a\n1\n")})
	assert.Error(t, err)

	header := 5
	_, err = svc.Import(ctx, users, Request{FileName: "users.csv", HeaderRowIndex: &header, Data: strings.NewReader("name\nAnn\n")})
	assert.ErrorContains(t, err, "out of range")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = svc.Import(cancelled, users, Request{FileName: "users.csv", Data: strings.NewReader("name\nAnn\n")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportCapsRowErrors(t *testing.T) {
	payload := "age\nx\ny\nz\n"
	summary, err := NewService(WithMaxRowErrors(2)).Import(context.Background(), newUsers(t), Request{FileName: "a.csv", Data: strings.NewReader(payload)})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.InvalidRows)
	assert.Len(t, summary.Errors, 2)
}

func TestSanitizeHeaders(t *testing.T) {
	got := sanitizeHeaders([]string{" First Name", "first-name", "", "e.mail"})
	assert.Equal(t, []string{"first_name", "first_name_2", "column_3", "e_mail"}, got)
}
