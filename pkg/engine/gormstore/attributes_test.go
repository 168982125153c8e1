package gormstore

import (
	"context"
	"database/sql"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gschema "gorm.io/gorm/schema"

	"github.com/rpattn/versioned/pkg/schema"
)

type Account struct {
	ID        uint   `gorm:"primaryKey"`
	Handle    string `gorm:"size:40;not null;unique"`
	Bio       string `gorm:"type:text"`
	Balance   float64
	Active    bool   `gorm:"default:true"`
	Level     int32
	Avatar    []byte
	Nickname  *string
	Note      sql.NullString
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	Ignored   string    `gorm:"-"`
}

func parseAccount(t *testing.T) *gschema.Schema {
	t.Helper()
	s, err := gschema.Parse(&Account{}, &sync.Map{}, gschema.NamingStrategy{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return s
}

func TestAttributesFromSchema(t *testing.T) {
	attrs := attributesFromSchema(parseAccount(t))

	want := []string{"active", "avatar", "balance", "bio", "created_at", "handle", "id", "level", "nickname", "note"}
	if diff := cmp.Diff(want, attrs.Names()); diff != "" {
		t.Fatalf("unexpected columns (-want +got):\n%s", diff)
	}

	id := attrs["id"]
	if !id.PrimaryKey || !id.AutoIncrement || id.Type != schema.FieldTypeBigInt {
		t.Fatalf("unexpected id attribute %+v", id)
	}
	if id.HasDefault() {
		t.Fatalf("auto-increment id must not carry a default: %+v", id)
	}

	handle := attrs["handle"]
	if !handle.NotNull || !handle.Unique || handle.Size != 40 || handle.Type != schema.FieldTypeString {
		t.Fatalf("unexpected handle attribute %+v", handle)
	}
	if attrs["bio"].Type != schema.FieldTypeText {
		t.Fatalf("expected text type for bio, got %s", attrs["bio"].Type)
	}
	if attrs["level"].Type != schema.FieldTypeInteger {
		t.Fatalf("expected int32 to map to integer, got %s", attrs["level"].Type)
	}
	if attrs["avatar"].Type != schema.FieldTypeBytes {
		t.Fatalf("expected bytes type for avatar, got %s", attrs["avatar"].Type)
	}
	if attrs["active"].Default != true {
		t.Fatalf("expected literal default true, got %v", attrs["active"].Default)
	}
	if !schema.IsNow(attrs["created_at"].Default) {
		t.Fatalf("expected CURRENT_TIMESTAMP to map to NOW")
	}
	if err := attrs.Validate(); err != nil {
		t.Fatalf("attributes should validate: %v", err)
	}
}

func TestRecordsFromValue(t *testing.T) {
	s := parseAccount(t)
	nick := "annie"
	accounts := []Account{
		{ID: 1, Handle: "ann", Nickname: &nick, Note: sql.NullString{String: "hi", Valid: true}},
		{ID: 2, Handle: "bob"},
	}

	records := recordsFromValue(context.Background(), s, reflect.ValueOf(&accounts))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0]
	if first["id"] != uint(1) || first["handle"] != "ann" {
		t.Fatalf("unexpected first record %v", first)
	}
	if first["nickname"] != "annie" {
		t.Fatalf("expected pointer to be dereferenced, got %#v", first["nickname"])
	}
	if first["note"] != "hi" {
		t.Fatalf("expected driver.Valuer to be unwrapped, got %#v", first["note"])
	}
	second := records[1]
	if second["nickname"] != nil || second["note"] != nil {
		t.Fatalf("expected nil for unset optional fields, got %v", second)
	}
	if _, ok := second["ignored"]; ok {
		t.Fatalf("ignored field must not be read")
	}

	single := recordsFromValue(context.Background(), s, reflect.ValueOf(&accounts[1]))
	if len(single) != 1 || single[0]["handle"] != "bob" {
		t.Fatalf("unexpected single record %v", single)
	}
}

func TestAddressedByKey(t *testing.T) {
	s := parseAccount(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"keyed struct", &Account{ID: 3}, true},
		{"zero key", &Account{Handle: "ann"}, false},
		{"keyed slice", &[]Account{{ID: 1}, {ID: 2}}, true},
		{"slice with zero key", &[]Account{{ID: 1}, {}}, false},
		{"empty slice", &[]Account{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := addressedByKey(ctx, s, reflect.ValueOf(tc.value)); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSplitTable(t *testing.T) {
	if ns, table := splitTable("audit.users"); ns != "audit" || table != "users" {
		t.Fatalf("unexpected split %q %q", ns, table)
	}
	if ns, table := splitTable("users"); ns != "" || table != "users" {
		t.Fatalf("unexpected split %q %q", ns, table)
	}
}
