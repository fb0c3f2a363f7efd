package filter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartMatches(t *testing.T) {
	adult := Ge("age", 18)
	if !adult.Matches(map[string]any{"age": 18}) {
		t.Error("18 >= 18 must match")
	}
	if adult.Matches(map[string]any{"age": 17}) {
		t.Error("17 >= 18 must not match")
	}
	// Decoded JSON numbers are float64.
	if !adult.Matches(map[string]any{"age": 42.0}) {
		t.Error("float64 must compare with int")
	}
	if adult.Matches(map[string]any{}) {
		t.Error("missing property must not match")
	}
	if !adult.Not().Matches(map[string]any{"age": 17}) {
		t.Error("negation must invert the result")
	}

	status := In("status", "open", "pending")
	if !status.Matches(map[string]any{"status": "open"}) || status.Matches(map[string]any{"status": "closed"}) {
		t.Error("set membership failed")
	}
	if !Eq("done", nil).Matches(map[string]any{"done": nil}) {
		t.Error("nil must equal nil")
	}
	if Lt("name", 5).Matches(map[string]any{"name": "abc"}) {
		t.Error("string and number are not comparable")
	}
}

func TestLike(t *testing.T) {
	cases := []struct {
		pattern, text string
		want          bool
	}{
		{"jo*", "John", true},
		{"ali", "Alice", true},
		{"ice", "Alice", true},
		{"*SMITH", "Anna Smith", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXcYYb", false},
		{"exact", "Exact", true},
		{"exact", "not exact", true},
		{"exact", "exa ct", false},
		{"*", "", true},
		{"", "anything", true},
		{"ab*b", "ab", false},
		{"äpfel*", "ÄPFEL", true},
		{"50%", "50% off", true},
		{"50%", "500", false},
	}
	for _, tc := range cases {
		got := Matching("name", tc.pattern).Matches(map[string]any{"name": tc.text})
		if got != tc.want {
			t.Errorf("%q like %q: expected %v, got %v", tc.text, tc.pattern, tc.want, got)
		}
	}
}

func TestGroupMatches(t *testing.T) {
	a := Eq("a", 1)
	b := Eq("b", 2)
	both := map[string]any{"a": 1, "b": 2}
	onlyA := map[string]any{"a": 1, "b": 3}
	none := map[string]any{"a": 0, "b": 0}

	and := New(And, a, b)
	or := New(Or, a, b)

	if !and.Matches(both) || and.Matches(onlyA) {
		t.Error("AND must require all parts")
	}
	if !or.Matches(both) || !or.Matches(onlyA) || or.Matches(none) {
		t.Error("OR must require at least one part")
	}
	if and.Not().Matches(both) || !and.Not().Matches(onlyA) {
		t.Error("negated AND must invert")
	}
	if or.Not().Matches(onlyA) || !or.Not().Matches(none) {
		t.Error("negated OR must invert")
	}

	// OR over a part and a subgroup: either one suffices.
	mixed := FromGroup(Group{Parts: []Part{Eq("a", 5)}, Groups: []Group{New(And, b).Group}, Op: Or})
	if !mixed.Matches(both) {
		t.Error("OR must match when only the subgroup matches")
	}
	if !New(And).Matches(none) {
		t.Error("empty filter must match everything")
	}
}

func TestJSON(t *testing.T) {
	f := FromGroup(Group{
		Parts:  []Part{Ge("age", 18), Matching("name", "jo*").Not()},
		Groups: []Group{New(Or, In("status", "open", "pending")).Group},
		Op:     And,
	})
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"p":[{"p":"age","v":18,"o":">=","n":false},{"p":"name","v":"jo*","o":"like","n":true}],` +
		`"g":[{"p":[{"p":"status","v":["open","pending"],"o":"in","n":false}],"g":[],"o":"or","n":false}],"o":"and","n":false}`
	var gotTree, wantTree any
	if err := json.Unmarshal(raw, &gotTree); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(want), &wantTree); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantTree, gotTree); diff != "" {
		t.Errorf("unexpected encoding (-want +got):\n%s", diff)
	}

	decoded, err := FromJSON(f.ToJSON())
	if err != nil {
		t.Fatal(err)
	}
	record := map[string]any{"age": 20.0, "name": "Anna", "status": "open"}
	if !decoded.Matches(record) || !f.Matches(record) {
		t.Error("decoded filter must behave as the original")
	}
	if diff := cmp.Diff("jo*", decoded.Parts[1].Value); diff != "" {
		t.Error(diff)
	}

	var g Group
	if err := json.Unmarshal([]byte(`{"p":[{"p":"a","v":1,"o":"~"}],"g":[],"o":"and"}`), &g); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("expected ErrInvalidOperator, got %v", err)
	}
}

func TestToSql(t *testing.T) {
	f := FromGroup(Group{
		Parts: []Part{
			Eq("status", "open").Not(),
			Gt("total", 10).Not(),
			In("kind", "a", "b", "c"),
			Matching("name", "jo*"),
		},
		Groups: []Group{New(Or, Lt("age", 18), In("id").Not()).Not()},
		Op:     And,
	})
	sql, args, err := f.ToSql()
	if err != nil {
		t.Fatal(err)
	}
	wantSQL := "(status != ? AND total <= ? AND kind IN (?,?,?) AND LOWER(name) LIKE LOWER(?) ESCAPE '!' AND NOT (age < ? OR 1=1))"
	if sql != wantSQL {
		t.Errorf("sql mismatch:\n%s\nwant:\n%s", sql, wantSQL)
	}
	wantArgs := []any{"open", 10, "a", "b", "c", "%jo%%", 18}
	if diff := cmp.Diff(wantArgs, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	negations := map[Op]string{
		Equal: "!=", Greater: "<=", GreaterOrEqual: "<", Less: ">=", LessOrEqual: ">", InSet: "NOT IN", Like: "NOT LIKE",
	}
	for op, token := range negations {
		p := Part{Property: "x", Op: op, Value: []any{1}, Negated: true}
		if op == Like {
			p.Value = "1"
		}
		sql, _, err := p.ToSql()
		if err != nil {
			t.Fatal(err)
		}
		want := "x " + token + " "
		if op == Like {
			want = "LOWER(x) " + token + " "
		}
		if !strings.HasPrefix(sql, want) {
			t.Errorf("%v negated: got %q", op, sql)
		}
	}

	_, args, err = Matching("note", "100%_!*").ToSql()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"%100!%!_!!%%"}, args); diff != "" {
		t.Errorf("escaped pattern (-want +got):\n%s", diff)
	}

	if _, _, err := Eq("x; DROP TABLE t", 1).ToSql(); err == nil {
		t.Error("invalid property must be rejected")
	}
}
