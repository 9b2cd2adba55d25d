package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestOpen_UnknownKind(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"", "nope"} {
		_, err := Open(context.Background(), Config{Kind: kind})
		if !errors.Is(err, ErrUnknownBackend) {
			t.Fatalf("Open(kind=%q) err=%v, want ErrUnknownBackend", kind, err)
		}
	}
}

func TestOpen_WrapsFactoryError(t *testing.T) {
	boom := errors.New("dial failed")
	Register("test-failing", func(ctx context.Context, cfg Config) (Store, error) {
		return nil, boom
	})

	_, err := Open(context.Background(), Config{Kind: "test-failing"})
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "open" {
		t.Fatalf("expected *StoreError op=open, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}

func TestRegister_Panics(t *testing.T) {
	noop := func(ctx context.Context, cfg Config) (Store, error) { return nil, nil }
	Register("test-dup", noop)

	tests := []struct {
		name string
		kind string
		f    Factory
	}{
		{"empty kind", "", noop},
		{"nil factory", "test-nil", nil},
		{"duplicate", "test-dup", noop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			Register(tt.kind, tt.f)
		})
	}
}

func TestStaleKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		active []string
		keep   []string
		want   []string
	}{
		{"one removed", []string{"A", "B", "C"}, []string{"A", "C"}, []string{"B"}},
		{"none removed", []string{"A"}, []string{"A", "Z"}, nil},
		{"keep empty", []string{"A", "B"}, nil, []string{"A", "B"}},
		{"trims", []string{" A", "B"}, []string{"A "}, []string{"B"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StaleKeys(tt.active, tt.keep); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("StaleKeys=%v want %v", got, tt.want)
			}
		})
	}
}

func TestChunkRows(t *testing.T) {
	t.Parallel()

	if got := ChunkRows(2000, 10, 1000); got != 200 {
		t.Fatalf("got %d want 200", got)
	}
	if got := ChunkRows(65535, 3, 1000); got != 1000 {
		t.Fatalf("got %d want cap 1000", got)
	}
	if got := ChunkRows(10, 50, 1000); got != 1 {
		t.Fatalf("got %d want at least 1", got)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	got := Chunks([]int{1, 2, 3, 4, 5}, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Chunks=%v want %v", got, want)
	}
	if Chunks([]int(nil), 2) != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestTableSpecValidate(t *testing.T) {
	t.Parallel()

	ok := TableSpec{
		Name:    "t",
		Key:     "k",
		Columns: []ColumnDef{{Name: "k"}, {Name: "v"}},
		Indexes: []IndexSpec{{Name: "idx_t_v", Columns: []string{"v"}}},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []TableSpec{
		{Key: "k", Columns: []ColumnDef{{Name: "k"}}},
		{Name: "t", Key: "k"},
		{Name: "t", Key: "missing", Columns: []ColumnDef{{Name: "k"}}},
		{Name: "t", Key: "k", Columns: []ColumnDef{{Name: "k"}, {Name: "K"}}},
		{Name: "t", Key: "k", Columns: []ColumnDef{{Name: "k"}}, Indexes: []IndexSpec{{Name: "i", Columns: []string{"x"}}}},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	if Wrap("upsert", "t", nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	inner := &StoreError{Op: "columns", Table: "t", Err: errors.New("x")}
	if got := Wrap("upsert", "t", inner); got != error(inner) {
		t.Fatalf("existing StoreError should pass through, got %v", got)
	}
	if got := Wrap("upsert", "t", errors.New("x")).Error(); got != "storage: upsert t: x" {
		t.Fatalf("unexpected message %q", got)
	}
	if IndexName("analytics.produkty", "task_id") != "idx_produkty_task_id" {
		t.Fatalf("unexpected index name %q", IndexName("analytics.produkty", "task_id"))
	}
}

func TestTypeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Type
	}{
		{"numeric", TypeNumeric},
		{"NUMERIC(12,2)", TypeNumeric},
		{"decimal", TypeNumeric},
		{"DECIMAL TEXT", TypeNumeric},
		{"float8", TypeNumeric},
		{"int8", TypeBigInt},
		{"INTEGER", TypeBigInt},
		{"bigint", TypeBigInt},
		{"bool", TypeBoolean},
		{"bit", TypeBoolean},
		{"timestamptz", TypeTimestamp},
		{"datetime2", TypeTimestamp},
		{"TIMESTAMP", TypeTimestamp},
		{"date", TypeTimestamp},
		{"text", TypeText},
		{"nvarchar", TypeText},
		{"interval", TypeText},
		{"oid:3802", TypeText},
		{"", TypeText},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.in); got != tt.want {
			t.Fatalf("TypeOf(%q)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestCreateTableSQL_UnknownKind(t *testing.T) {
	t.Parallel()

	spec := TableSpec{Name: "t", Key: "k", Columns: []ColumnDef{{Name: "k"}}}
	if _, err := CreateTableSQL("nope", spec); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("CreateTableSQL(nope) err=%v, want ErrUnknownBackend", err)
	}
}
