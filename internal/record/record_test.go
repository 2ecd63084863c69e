package record_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	record "github.com/hanpama/normcache/internal/record"
	"github.com/stretchr/testify/require"
)

func TestDependentKeys(t *testing.T) {
	recs := []*record.Record{
		record.New("QUERY_ROOT", record.Object{"hero": record.Reference("1")}),
		record.New("1", record.Object{"id": record.String("1"), "name": record.String("Luke")}),
		nil,
	}
	got := record.DependentKeys(recs...).Sorted()
	want := []string{"1", "1.id", "1.name", "QUERY_ROOT", "QUERY_ROOT.hero"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dependent keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDependentKeysOfSet(t *testing.T) {
	set := record.Set{}
	set.Add(record.New("a", record.Object{"x": record.Int(1)}))
	set.Add(record.New("b", nil))
	got := record.DependentKeysOf(set).Sorted()
	if diff := cmp.Diff([]string{"a", "a.x", "b"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestRecordMerge(t *testing.T) {
	r := record.New("1", record.Object{"name": record.String("Luke"), "age": record.Int(19)})
	changed := r.Merge(record.New("1", record.Object{
		"name":   record.String("Luke"),
		"age":    record.Int(20),
		"height": record.Float(1.72),
	}))
	if diff := cmp.Diff([]string{"1.age", "1.height"}, changed); diff != "" {
		t.Fatalf("changed keys mismatch (-want +got):\n%s", diff)
	}
	want := record.Object{"name": record.String("Luke"), "age": record.Int(20), "height": record.Float(1.72)}
	if diff := cmp.Diff(want, r.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestSetAddMergesSameKey(t *testing.T) {
	set := record.Set{}
	set.Add(record.New("1", record.Object{"name": record.String("Luke")}))
	set.Add(record.New("1", record.Object{"id": record.String("1")}))
	want := record.Object{"id": record.String("1"), "name": record.String("Luke")}
	if diff := cmp.Diff(want, set["1"].Fields); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestEqualAndClone(t *testing.T) {
	v := record.Object{
		"list": record.List{record.Int(1), record.Null{}, record.Reference("x")},
		"obj":  record.Object{"f": record.Float(1.5)},
	}
	c := record.Clone(v)
	if !record.Equal(v, c) {
		t.Fatalf("clone not equal")
	}
	c.(record.Object)["obj"].(record.Object)["f"] = record.Float(2)
	if record.Equal(v, c) {
		t.Fatalf("clone shares storage with original")
	}
	if record.Equal(record.Int(1), record.Float(1)) {
		t.Fatalf("int and float must differ")
	}
}

func TestDecodeObjectKeepsIntegers(t *testing.T) {
	got, err := record.DecodeObject([]byte(`{"a":1,"b":1.5,"c":[true,null,"s"],"d":{"e":9007199254740993}}`))
	if err != nil {
		t.Fatal(err)
	}
	want := record.Object{
		"a": record.Int(1),
		"b": record.Float(1.5),
		"c": record.List{record.Bool(true), record.Null{}, record.String("s")},
		"d": record.Object{"e": record.Int(9007199254740993)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	a := record.Canonical(map[string]any{"b": 1, "a": []any{"x", 2.5, nil}})
	b := record.Canonical(map[string]any{"a": []any{"x", 2.5, nil}, "b": json.Number("1")})
	if a != b {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if want := `{"a":["x",2.5,null],"b":1}`; a != want {
		t.Fatalf("got %s want %s", a, want)
	}
}

func TestRecordMarshalJSON(t *testing.T) {
	r := record.New("QUERY_ROOT", record.Object{"hero": record.Reference("1")})
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"key":"QUERY_ROOT","fields":{"hero":{"$ref":"1"}}}`; string(data) != want {
		t.Fatalf("got %s want %s", data, want)
	}
}

func TestMergeValue(t *testing.T) {
	prev := record.Object{
		"a":    record.Object{"x": record.Int(1)},
		"list": record.List{record.Object{"n": record.String("Luke")}},
		"s":    record.String("old"),
	}
	next := record.Object{
		"a":    record.Object{"y": record.Int(2)},
		"list": record.List{record.Object{"id": record.String("1000")}},
		"s":    record.String("new"),
	}
	want := record.Object{
		"a":    record.Object{"x": record.Int(1), "y": record.Int(2)},
		"list": record.List{record.Object{"n": record.String("Luke"), "id": record.String("1000")}},
		"s":    record.String("new"),
	}
	if diff := cmp.Diff(record.Value(want), record.MergeValue(prev, next)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	require.Equal(t, record.Object{"x": record.Int(1)}, prev["a"])

	// lists of different length are replaced
	got := record.MergeValue(record.List{record.Int(1)}, record.List{record.Int(2), record.Int(3)})
	require.Equal(t, record.Value(record.List{record.Int(2), record.Int(3)}), got)
}

func TestSetAddMergesEmbeddedObjects(t *testing.T) {
	set := record.Set{}
	set.Add(record.New("1", record.Object{"stats": record.Object{"height": record.Float(1.72)}}))
	set.Add(record.New("1", record.Object{"stats": record.Object{"mass": record.Int(77)}}))
	want := record.Object{"stats": record.Object{"height": record.Float(1.72), "mass": record.Int(77)}}
	if diff := cmp.Diff(want, set["1"].Fields); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
