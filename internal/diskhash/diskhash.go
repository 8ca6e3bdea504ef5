// Package diskhash implements the archive's directory child-map: a flat,
// sorted-by-hash array of (key_hash, value) records that is binary-searched
// in place against the memory-mapped archive, rather than loaded into an
// in-memory map.
//
// The hash function is xxHash64 (github.com/cespare/xxhash/v2). This is
// part of the on-disk format: an archive built against a different hash
// function is not readable by this package.
package diskhash

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/xerrors"
)

// entrySize is the serialized size of one (key_hash, value) record.
const entrySize = 8 + 8

// HeaderSize is the serialized size of the record count prefix.
const HeaderSize = 8

// HashName returns the deterministic 64-bit hash of name used as the
// key_hash for directory child-map records.
func HashName(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Entry is one (key_hash, value) record.
type Entry struct {
	Hash  uint64
	Value uint64
}

// Builder accumulates (name, value) pairs and writes the sorted,
// length-prefixed table described above.
type Builder struct {
	entries []Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add registers a child name and its node id. Names are hashed immediately;
// the original string is not retained (the reader re-derives it from the
// archived node on lookup).
func (b *Builder) Add(name string, value uint64) {
	b.entries = append(b.entries, Entry{Hash: HashName(name), Value: value})
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Size returns the exact number of bytes WriteTo will emit.
func (b *Builder) Size() int64 {
	return HeaderSize + int64(len(b.entries))*entrySize
}

// WriteTo sorts the accumulated entries by hash (stable, so that entries
// added earlier for colliding hashes keep their relative order) and writes
// the header-prefixed record array.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	sort.SliceStable(b.entries, func(i, j int) bool { return b.entries[i].Hash < b.entries[j].Hash })

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(b.entries)))
	n, err := w.Write(hdr[:])
	total := int64(n)
	if err != nil {
		return total, xerrors.Errorf("diskhash: write header: %w", err)
	}

	buf := make([]byte, entrySize)
	for _, e := range b.entries {
		binary.LittleEndian.PutUint64(buf[0:8], e.Hash)
		binary.LittleEndian.PutUint64(buf[8:16], e.Value)
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			return total, xerrors.Errorf("diskhash: write entry: %w", err)
		}
	}
	return total, nil
}

// Map is a read-only view over a byte range holding a serialized table:
// an 8-byte record count followed by that many sorted (hash, value)
// records. The bytes are expected to borrow directly from a memory
// mapping; Map performs no copies.
type Map struct {
	data []byte
	size int
}

// Open validates and wraps data, which must begin at the record-count
// header and extend at least far enough to hold every record.
func Open(data []byte) (Map, error) {
	if len(data) < HeaderSize {
		return Map{}, xerrors.Errorf("diskhash: truncated header")
	}
	size := binary.LittleEndian.Uint64(data[:HeaderSize])
	need := HeaderSize + size*entrySize
	if uint64(len(data)) < need {
		return Map{}, xerrors.Errorf("diskhash: truncated table: have %d bytes, need %d", len(data), need)
	}
	return Map{data: data[:need], size: int(size)}, nil
}

// Len returns the number of entries in the table.
func (m Map) Len() int { return m.size }

// ByteSize returns the exact number of bytes the table occupies.
func (m Map) ByteSize() int64 { return int64(HeaderSize) + int64(m.size)*entrySize }

func (m Map) at(i int) Entry {
	off := HeaderSize + i*entrySize
	return Entry{
		Hash:  binary.LittleEndian.Uint64(m.data[off : off+8]),
		Value: binary.LittleEndian.Uint64(m.data[off+8 : off+16]),
	}
}

// At returns the i-th record in hash order (not name order).
func (m Map) At(i int) (Entry, error) {
	if i < 0 || i >= m.size {
		return Entry{}, xerrors.Errorf("diskhash: index %d out of range [0,%d)", i, m.size)
	}
	return m.at(i), nil
}

// Resolver maps a record's value back to the name it was stored under, so
// that Lookup can confirm a hash match is the genuine name and not a
// collision.
type Resolver func(value uint64) (string, error)

// Lookup finds the record whose resolved name equals name. It binary
// searches for the leftmost record with the matching hash (so a run of
// equal hashes is always entered at its start), then scans forward
// resolving and comparing names until the hash run ends.
func (m Map) Lookup(name string, resolve Resolver) (uint64, bool, error) {
	if m.size == 0 {
		return 0, false, nil
	}
	h := HashName(name)

	lo, hi := 0, m.size
	for lo < hi {
		mid := (lo + hi) / 2
		if m.at(mid).Hash < h {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= m.size || m.at(lo).Hash != h {
		return 0, false, nil
	}

	for i := lo; i < m.size && m.at(i).Hash == h; i++ {
		e := m.at(i)
		got, err := resolve(e.Value)
		if err != nil {
			return 0, false, xerrors.Errorf("diskhash: resolve: %w", err)
		}
		if got == name {
			return e.Value, true, nil
		}
	}
	return 0, false, nil
}

// Each calls fn for every record in hash order, stopping at the first
// error fn returns.
func (m Map) Each(fn func(Entry) error) error {
	for i := 0; i < m.size; i++ {
		if err := fn(m.at(i)); err != nil {
			return err
		}
	}
	return nil
}
