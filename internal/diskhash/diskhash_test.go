package diskhash

import (
	"bytes"
	"testing"
)

func buildMap(t *testing.T, names map[string]uint64) Map {
	t.Helper()
	b := NewBuilder()
	for name, id := range names {
		b.Add(name, id)
	}
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	m, err := Open(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLookup(t *testing.T) {
	names := map[string]uint64{
		"alpha": 1,
		"beta":  2,
		"gamma": 3,
	}
	m := buildMap(t, names)
	if m.Len() != len(names) {
		t.Fatalf("Len() = %d, want %d", m.Len(), len(names))
	}

	resolve := func(v uint64) (string, error) {
		for name, id := range names {
			if id == v {
				return name, nil
			}
		}
		return "", nil
	}

	for name, id := range names {
		got, ok, err := m.Lookup(name, resolve)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != id {
			t.Fatalf("Lookup(%q) = (%d, %v), want (%d, true)", name, got, ok, id)
		}
	}

	if _, ok, err := m.Lookup("missing", resolve); err != nil || ok {
		t.Fatalf("Lookup(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestLookupCollision(t *testing.T) {
	// Construct distinct names that collide by forcing identical hashes
	// directly into the builder's backing entries, simulating the
	// property the spec requires correctness under (P10): collisions must
	// still resolve via the name-check callback. Every entry of a bucket
	// carries the hash of the name being looked up, since Lookup hashes
	// its query with HashName.
	bucket := func(h uint64) Map {
		b := NewBuilder()
		b.entries = append(b.entries,
			Entry{Hash: h, Value: 1},
			Entry{Hash: h, Value: 2},
			Entry{Hash: h, Value: 3},
		)
		var buf bytes.Buffer
		if _, err := b.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		m, err := Open(buf.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		return m
	}

	names := map[uint64]string{1: "x", 2: "y", 3: "z"}
	resolve := func(v uint64) (string, error) { return names[v], nil }

	for id, name := range names {
		got, ok, err := bucket(HashName(name)).Lookup(name, resolve)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != id {
			t.Fatalf("Lookup(%q) = (%d, %v), want (%d, true)", name, got, ok, id)
		}
	}

	if _, ok, err := bucket(HashName("nope")).Lookup("nope", resolve); err != nil || ok {
		t.Fatalf("Lookup(nope) on colliding bucket = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestOpenTruncated(t *testing.T) {
	if _, err := Open([]byte{1, 2, 3}); err == nil {
		t.Fatal("Open on truncated header: want error, got nil")
	}
}
