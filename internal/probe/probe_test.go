package probe

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"planfixsync/internal/analytic"
	"planfixsync/internal/storage"
)

func entry(key string, fields ...analytic.Observation) analytic.Entry {
	return analytic.Entry{Key: key, Fields: fields}
}

func obs(name, value string) analytic.Observation {
	return analytic.Observation{Name: name, Value: value}
}

//
// Classify
//

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want analytic.Domain
		ok   bool
	}{
		{"integer", "42", analytic.DomainInteger, true},
		{"negative integer", "-7", analytic.DomainInteger, true},
		{"spaced integer", "1 000", analytic.DomainInteger, true},
		{"one is integer not boolean", "1", analytic.DomainInteger, true},
		{"decimal comma", "12,50", analytic.DomainNumeric, true},
		{"decimal dot", "0.5", analytic.DomainNumeric, true},
		{"int64 overflow", "99999999999999999999", analytic.DomainNumeric, true},
		{"dmy dash date", "15-01-2024", analytic.DomainTimestamp, true},
		{"dmy dash datetime", "15-01-2024 10:30", analytic.DomainTimestamp, true},
		{"iso date", "2024-01-15", analytic.DomainTimestamp, true},
		{"dotted date", "15.01.2024", analytic.DomainTimestamp, true},
		{"boolean", "TRUE", analytic.DomainBoolean, true},
		{"russian boolean", "да", analytic.DomainBoolean, true},
		{"text", "abc", analytic.DomainText, true},
		{"empty", "", analytic.DomainText, false},
		{"blank", "   ", analytic.DomainText, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Classify(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Classify(%q) = (%s, %v), want (%s, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

//
// Infer
//

func TestInfer_WidensConflictsToText(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", obs("Ilość", "100")),
		entry("2", obs("Ilość", "abc")),
	})
	if len(s.Columns) != 1 {
		t.Fatalf("expected 1 column, got %d", len(s.Columns))
	}
	if got := s.Columns[0].Domain; got != analytic.DomainText {
		t.Fatalf("domain=%s want TEXT", got)
	}
	if s.Columns[0].Name != "ilosc" {
		t.Fatalf("name=%q want ilosc", s.Columns[0].Name)
	}
}

func TestInfer_IntegerAndNumericWidenToNumeric(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", obs("Cena", "12")),
		entry("2", obs("Cena", "12,50")),
		entry("3", obs("Cena", "")),
	})
	if got := s.Columns[0].Domain; got != analytic.DomainNumeric {
		t.Fatalf("domain=%s want NUMERIC", got)
	}
}

func TestInfer_OrderExamplesAndReferences(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", obs("Cena", "1"), analytic.Observation{Name: "Waluta", Value: "PLN", ReferenceID: "901"}),
		entry("2", obs("Termin", "2024-01-15"), obs("Cena", "2"), obs("Waluta", "EUR")),
		entry("3", obs("Cena", "1"), obs("Cena", "3"), obs("Cena", "4")),
	})

	var names []string
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	if !reflect.DeepEqual(names, []string{"cena", "waluta", "termin"}) {
		t.Fatalf("columns=%v want first-seen order", names)
	}
	if !reflect.DeepEqual(s.Columns[0].Examples, []string{"1", "2", "3"}) {
		t.Fatalf("examples=%v want 3 distinct", s.Columns[0].Examples)
	}
	if !s.Columns[1].HasReference || s.Columns[0].HasReference {
		t.Fatalf("unexpected reference flags: %+v", s.Columns)
	}
	if s.Columns[2].Domain != analytic.DomainTimestamp {
		t.Fatalf("termin domain=%s", s.Columns[2].Domain)
	}
	if !reflect.DeepEqual(s.ColumnNames(), []string{"cena", "waluta", "waluta_handbook_id", "termin"}) {
		t.Fatalf("ColumnNames=%v", s.ColumnNames())
	}

	c, ok := s.Lookup(" Waluta ")
	if !ok || c.Name != "waluta" {
		t.Fatalf("Lookup(Waluta)=(%+v,%v)", c, ok)
	}
	if _, ok := s.Lookup("Nowe pole"); ok {
		t.Fatalf("unknown field should not resolve")
	}
}

func TestInfer_AllEmptyIsText(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{entry("1", obs("Uwagi", ""))})
	if s.Columns[0].Domain != analytic.DomainText || len(s.Columns[0].Examples) != 0 {
		t.Fatalf("unexpected column %+v", s.Columns[0])
	}
}

func TestInfer_CollisionsKeepFirst(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", obs("Nr zamówienia", "1"), obs("nr-zamowienia", "2"), obs("Task ID", "3"), obs("!!!", "x")),
	})
	if len(s.Columns) != 1 || s.Columns[0].SourceName != "Nr zamówienia" {
		t.Fatalf("expected only the first field to survive, got %+v", s.Columns)
	}
	if len(s.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %q", s.Warnings)
	}
	if _, ok := s.Lookup("nr-zamowienia"); ok {
		t.Fatalf("dropped field must not resolve")
	}
}

func TestInfer_Deterministic(t *testing.T) {
	t.Parallel()

	in := []analytic.Entry{
		entry("1", obs("B", "1"), obs("A", "x")),
		entry("2", obs("C", "tak"), obs("A", "y")),
	}
	a, b := Infer(in), Infer(in)
	if !reflect.DeepEqual(a.Columns, b.Columns) {
		t.Fatalf("inference not deterministic:\n%+v\n%+v", a.Columns, b.Columns)
	}
}

//
// TableSpec
//

func TestTableSpec(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", obs("Cena", "12,50"), analytic.Observation{Name: "Waluta", Value: "PLN", ReferenceID: "901"}),
	})
	spec := TableSpec(s, "planfix_analytics_produkty", "", "4867")

	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if spec.Key != analytic.ColumnKey {
		t.Fatalf("key=%q", spec.Key)
	}
	var names []string
	for _, c := range spec.Columns {
		names = append(names, c.Name)
	}
	want := []string{
		"reconciliation_key", "task_id", "action_id", "analytic_key", "order_number",
		"cena", "waluta", "waluta_handbook_id", "updated_at", "is_deleted",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("columns=%v\nwant   %v", names, want)
	}
	if c, _ := spec.Column("cena"); c.Type != storage.TypeNumeric {
		t.Fatalf("cena type=%s", c.Type)
	}
	if c, _ := spec.Column("is_deleted"); c.Default != storage.DefaultFalse || !c.NotNull {
		t.Fatalf("is_deleted def=%+v", c)
	}
	if spec.Comment != "Planfix analytics data for key 4867" {
		t.Fatalf("comment=%q", spec.Comment)
	}
	if len(spec.Indexes) != 3 || spec.Indexes[0].Name != "idx_planfix_analytics_produkty_task_id" {
		t.Fatalf("indexes=%+v", spec.Indexes)
	}
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()

	s := Infer([]analytic.Entry{
		entry("1", analytic.Observation{Name: "Waluta", Value: "PLN", ReferenceID: "901"}, obs("Nr", "1"), obs("nr", "2")),
	})
	var buf bytes.Buffer
	if err := WriteSummary(&buf, s); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"FIELD", "waluta_handbook_id", "PLN", "INTEGER", "warning: field \"nr\" dropped"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPin_FollowsTableTypes(t *testing.T) {
	t.Parallel()

	// A later sample widened cena to TEXT; the table still has it NUMERIC.
	s := Infer([]analytic.Entry{
		entry("1", obs("Cena", "12,50"), obs("Ilość", "3")),
		entry("2", obs("Cena", "brak"), obs("Nowe", "x")),
	})
	if c, _ := s.Lookup("Cena"); c.Domain != analytic.DomainText {
		t.Fatalf("inferred cena=%s, want TEXT", c.Domain)
	}

	pinned, changed := s.Pin([]storage.Column{
		{Name: "cena", DBType: "numeric"},
		{Name: "ilosc", DBType: "int8"},
	})
	if !reflect.DeepEqual(changed, []string{"cena"}) {
		t.Fatalf("changed=%v", changed)
	}
	if c, _ := pinned.Lookup("Cena"); c.Domain != analytic.DomainNumeric {
		t.Fatalf("pinned cena=%s, want NUMERIC", c.Domain)
	}
	if c, _ := pinned.Lookup("Nowe"); c.Domain != analytic.DomainText {
		t.Fatalf("column outside the table changed: %s", c.Domain)
	}
	// The inferred schema is left as it was.
	if c, _ := s.Lookup("Cena"); c.Domain != analytic.DomainText {
		t.Fatalf("Pin mutated the source schema: %s", c.Domain)
	}
}
