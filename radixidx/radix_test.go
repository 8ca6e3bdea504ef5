package radixidx

import (
	"bytes"
	"testing"
)

func build(t *testing.T, titles map[string]uint64) *Index {
	t.Helper()
	w := NewWriter()
	for title, id := range titles {
		if _, err := w.Add(title, id); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	idx, err := Open(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func idSet(ids ...uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func eqSet(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func TestPrefixSearch(t *testing.T) {
	idx := build(t, map[string]uint64{
		"The Great Gatsby":   1,
		"Great Expectations": 2,
		"A Great Day":        3,
	})

	got, err := idx.PrefixSearch("great")
	if err != nil {
		t.Fatal(err)
	}
	want := idSet(1, 2, 3)
	if !eqSet(got, want) {
		t.Fatalf("PrefixSearch(great) = %v, want %v", got, want)
	}

	got, err = idx.PrefixSearch("gatsby")
	if err != nil {
		t.Fatal(err)
	}
	if !eqSet(got, idSet(1)) {
		t.Fatalf("PrefixSearch(gatsby) = %v, want {1}", got)
	}

	got, err = idx.PrefixSearch("zzz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("PrefixSearch(zzz) = %v, want empty", got)
	}
}

func TestExactSearch(t *testing.T) {
	idx := build(t, map[string]uint64{
		"cat":       1,
		"catalogue": 2,
	})

	got, err := idx.ExactSearch("cat")
	if err != nil {
		t.Fatal(err)
	}
	if !eqSet(got, idSet(1)) {
		t.Fatalf("ExactSearch(cat) = %v, want {1}", got)
	}

	got, err = idx.ExactSearch("cata")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("ExactSearch(cata) = %v, want empty (no title suffix starts exactly there)", got)
	}
}

func TestWordBoundaries(t *testing.T) {
	idx := build(t, map[string]uint64{
		"foo-bar baz": 1,
	})

	for _, q := range []string{"foo", "bar", "baz"} {
		got, err := idx.PrefixSearch(q)
		if err != nil {
			t.Fatal(err)
		}
		if !eqSet(got, idSet(1)) {
			t.Fatalf("PrefixSearch(%q) = %v, want {1}", q, got)
		}
	}

	// "oo" is not a word start within "foo", so it should not match.
	got, err := idx.PrefixSearch("oo")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("PrefixSearch(oo) = %v, want empty", got)
	}
}

func TestCaseInsensitive(t *testing.T) {
	idx := build(t, map[string]uint64{"HELLO World": 1})

	got, err := idx.PrefixSearch("hello")
	if err != nil {
		t.Fatal(err)
	}
	if !eqSet(got, idSet(1)) {
		t.Fatalf("PrefixSearch(hello) = %v, want {1}", got)
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := build(t, nil)
	got, err := idx.PrefixSearch("anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("PrefixSearch on empty index = %v, want empty", got)
	}
}

func TestIdempotentSerialization(t *testing.T) {
	titles := map[string]uint64{
		"Alpha Beta":  1,
		"Alpha Gamma": 2,
		"Beta":        3,
	}
	w1 := NewWriter()
	w2 := NewWriter()
	for title, id := range titles {
		if _, err := w1.Add(title, id); err != nil {
			t.Fatal(err)
		}
	}
	for title, id := range titles {
		if _, err := w2.Add(title, id); err != nil {
			t.Fatal(err)
		}
	}
	var b1, b2 bytes.Buffer
	if _, err := w1.WriteTo(&b1); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.WriteTo(&b2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1.Bytes(), b2.Bytes()) {
		t.Fatalf("serialization is not idempotent across insertion order")
	}
}

func TestInvalidUTF8Skipped(t *testing.T) {
	w := NewWriter()
	skipped, err := w.Add(string([]byte{0xff, 0xfe, 0xfd}), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !skipped {
		t.Fatal("Add on invalid UTF-8: want skipped=true")
	}
}

func TestCycleDetection(t *testing.T) {
	// Hand-construct a pathological tree region: one node whose single
	// child offset points back at itself.
	var buf bytes.Buffer
	writeU32(&buf, 1)      // n_children
	writeU32(&buf, 1)      // name_len
	buf.WriteString("a")   // name
	writeU64(&buf, 0)      // child_offset == 0, self-referential
	writeU32(&buf, 0)      // n_values

	idx, err := Open(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.PrefixSearch("a"); err == nil {
		t.Fatal("PrefixSearch over self-referential node: want error, got nil")
	}
}
