// Package radixidx implements the archive's title search index: an
// in-memory radix tree built over lowercased, word-boundary-aligned
// suffixes of inserted titles, and a disk-resident packed form supporting
// prefix and exact lookups directly against a byte slice (typically a view
// over a memory-mapped archive trailer).
//
// Word boundaries use Unicode letter/digit classification via
// golang.org/x/text/cases for locale-aware lowercasing, resolving the
// spec's word-boundary Open Question in favor of the locale-aware
// definition rather than an ASCII-only one.
package radixidx

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/xerrors"
)

var lowerCaser = cases.Lower(language.Und)

// CorruptionError reports a radix-tree cycle or an out-of-range subtree
// offset encountered while searching a disk-resident index.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string { return "radixidx: index corruption: " + e.Reason }

// trieNode is an in-memory radix-tree node. children is kept unsorted
// during inserts and sorted only at serialization time, so insertion order
// never affects the final bytes (required for P7 idempotence).
type trieNode struct {
	edge     string
	children []*trieNode
	values   map[uint64]struct{}
}

// Writer accumulates (title, id) pairs and serializes them into the packed
// disk format described in the package doc.
type Writer struct {
	root *trieNode
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{root: &trieNode{}}
}

// Add lowercases title, skips it if it is empty or not valid UTF-8
// (reporting skipped=true so the caller can log the decision — this
// package itself never logs), and otherwise inserts every word-start
// suffix of the lowercased title, mapped to id.
func (w *Writer) Add(title string, id uint64) (skipped bool, err error) {
	if !utf8.ValidString(title) {
		return true, nil
	}
	lower := lowerCaser.String(title)
	if len(lower) == 0 {
		return true, nil
	}
	for _, i := range wordStarts(lower) {
		insert(w.root, lower[i:], id)
	}
	return false, nil
}

// wordStarts returns every byte offset in s that begins a "word": offset 0,
// any non-alphanumeric→alphanumeric transition, and any space→non-space
// transition.
func wordStarts(s string) []int {
	if len(s) == 0 {
		return nil
	}
	starts := []int{0}
	var prev rune
	first := true
	for i, r := range s {
		if first {
			prev = r
			first = false
			continue
		}
		prevAlnum := unicode.IsLetter(prev) || unicode.IsDigit(prev)
		curAlnum := unicode.IsLetter(r) || unicode.IsDigit(r)
		prevSpace := unicode.IsSpace(prev)
		curNonSpace := !unicode.IsSpace(r)
		if (curAlnum && !prevAlnum) || (prevSpace && curNonSpace) {
			starts = append(starts, i)
		}
		prev = r
	}
	return starts
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func insert(root *trieNode, key string, id uint64) {
	n := root
	for {
		if key == "" {
			if n.values == nil {
				n.values = make(map[uint64]struct{})
			}
			n.values[id] = struct{}{}
			return
		}

		var child *trieNode
		for _, c := range n.children {
			if c.edge[0] == key[0] {
				child = c
				break
			}
		}
		if child == nil {
			n.children = append(n.children, &trieNode{
				edge:   key,
				values: map[uint64]struct{}{id: {}},
			})
			return
		}

		cl := commonPrefixLen(child.edge, key)
		if cl == len(child.edge) {
			key = key[cl:]
			n = child
			continue
		}

		// Split child's edge at cl: the existing child keeps the
		// matched prefix and gains a new subchild carrying the
		// remainder of its old edge plus whatever it used to own.
		tail := &trieNode{
			edge:     child.edge[cl:],
			children: child.children,
			values:   child.values,
		}
		child.edge = child.edge[:cl]
		child.children = []*trieNode{tail}
		child.values = nil

		if cl == len(key) {
			child.values = map[uint64]struct{}{id: {}}
		} else {
			child.children = append(child.children, &trieNode{
				edge:   key[cl:],
				values: map[uint64]struct{}{id: {}},
			})
		}
		return
	}
}

func sortedValues(values map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortChildren(children []*trieNode) {
	sort.Slice(children, func(i, j int) bool { return children[i].edge < children[j].edge })
}

// WriteTo serializes the tree. The root is written first, at offset 0 of
// the returned stream; every other node is appended as its parent
// recurses into it, with the parent's child_offset field for that child
// back-patched into the already-written parent bytes once the child's
// start offset is known. An empty tree (no titles ever added) serializes
// to two consecutive zero u32s, per the format.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	if _, err := writeNode(&buf, w.root); err != nil {
		return 0, err
	}
	n, err := out.Write(buf.Bytes())
	if err != nil {
		return int64(n), xerrors.Errorf("radixidx: write: %w", err)
	}
	return int64(n), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func patchU64(buf *bytes.Buffer, at int64, v uint64) {
	b := buf.Bytes()
	binary.LittleEndian.PutUint64(b[at:at+8], v)
}

func writeNode(buf *bytes.Buffer, n *trieNode) (int64, error) {
	sortChildren(n.children)
	myOffset := int64(buf.Len())

	writeU32(buf, uint32(len(n.children)))
	patchAt := make([]int64, len(n.children))
	for i, c := range n.children {
		writeU32(buf, uint32(len(c.edge)))
		buf.WriteString(c.edge)
		patchAt[i] = int64(buf.Len())
		writeU64(buf, 0) // placeholder, patched below once c is written
	}

	ids := sortedValues(n.values)
	writeU32(buf, uint32(len(ids)))
	for _, id := range ids {
		writeU64(buf, id)
	}

	for i, c := range n.children {
		childOffset, err := writeNode(buf, c)
		if err != nil {
			return 0, err
		}
		patchU64(buf, patchAt[i], uint64(childOffset))
	}

	return myOffset, nil
}

// Index is a read-only view over a packed tree, typically a slice of a
// memory-mapped archive trailer. All operations compute positions as local
// offsets into data rather than keeping any stateful cursor, so a single
// Index may be searched concurrently from multiple goroutines (§5).
type Index struct {
	data []byte
}

// Open wraps data, which must begin at offset 0 of the tree region.
func Open(data []byte) (*Index, error) {
	if len(data) < 8 {
		return nil, xerrors.Errorf("radixidx: truncated tree region")
	}
	return &Index{data: data}, nil
}

type childRef struct {
	name        string
	childOffset int64
}

func (idx *Index) readNode(offset int64) ([]childRef, []uint64, error) {
	if offset < 0 || offset+4 > int64(len(idx.data)) {
		return nil, nil, &CorruptionError{Reason: "node offset out of range"}
	}
	pos := offset
	nChildren := binary.LittleEndian.Uint32(idx.data[pos : pos+4])
	pos += 4

	children := make([]childRef, 0, nChildren)
	for i := uint32(0); i < nChildren; i++ {
		if pos+4 > int64(len(idx.data)) {
			return nil, nil, &CorruptionError{Reason: "truncated child entry"}
		}
		nameLen := binary.LittleEndian.Uint32(idx.data[pos : pos+4])
		pos += 4
		if pos+int64(nameLen)+8 > int64(len(idx.data)) {
			return nil, nil, &CorruptionError{Reason: "truncated child name/offset"}
		}
		name := string(idx.data[pos : pos+int64(nameLen)])
		pos += int64(nameLen)
		childOffset := binary.LittleEndian.Uint64(idx.data[pos : pos+8])
		pos += 8
		children = append(children, childRef{name: name, childOffset: int64(childOffset)})
	}

	if pos+4 > int64(len(idx.data)) {
		return nil, nil, &CorruptionError{Reason: "truncated value count"}
	}
	nValues := binary.LittleEndian.Uint32(idx.data[pos : pos+4])
	pos += 4
	values := make([]uint64, 0, nValues)
	for i := uint32(0); i < nValues; i++ {
		if pos+8 > int64(len(idx.data)) {
			return nil, nil, &CorruptionError{Reason: "truncated value"}
		}
		values = append(values, binary.LittleEndian.Uint64(idx.data[pos:pos+8]))
		pos += 8
	}

	return children, values, nil
}

// descend walks from the root consuming q, returning the offset of the
// node at which q is exhausted and true, or false if no path matches.
// exact reports whether q was exhausted exactly at a node boundary (every
// matched edge fully consumed) as opposed to stopping partway through the
// final edge; only a subtree closure (PrefixSearch) is valid in the
// latter case, since the node's own stored values belong to strings that
// consumed the whole edge, not just the queried prefix of it.
func (idx *Index) descend(q string) (offset int64, exact bool, ok bool, err error) {
	offset = 0
	remaining := q
	exact = true
	for {
		if remaining == "" {
			return offset, exact, true, nil
		}
		children, _, err := idx.readNode(offset)
		if err != nil {
			return 0, false, false, err
		}
		matched := false
		for _, c := range children {
			if len(c.name) == 0 {
				continue
			}
			minLen := len(c.name)
			if len(remaining) < minLen {
				minLen = len(remaining)
			}
			if commonPrefixLen(c.name, remaining) != minLen {
				continue
			}
			offset = c.childOffset
			exact = minLen == len(c.name)
			remaining = remaining[minLen:]
			matched = true
			break
		}
		if !matched {
			return 0, false, false, nil
		}
	}
}

// closure returns the union of all value sets in the subtree rooted at
// offset, including offset's own values.
func (idx *Index) closure(offset int64) (map[uint64]struct{}, error) {
	result := make(map[uint64]struct{})
	var walk func(off int64) error
	walk = func(off int64) error {
		children, values, err := idx.readNode(off)
		if err != nil {
			return err
		}
		for _, v := range values {
			result[v] = struct{}{}
		}
		for _, c := range children {
			if c.childOffset == off {
				return &CorruptionError{Reason: "self-referential subtree offset"}
			}
			if err := walk(c.childOffset); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(offset); err != nil {
		return nil, err
	}
	return result, nil
}

// PrefixSearch returns the set of ids whose lowercased, word-boundary
// suffixes begin with q. Returns an empty set, not an error, when nothing
// matches.
func (idx *Index) PrefixSearch(q string) (map[uint64]struct{}, error) {
	lower := lowerCaser.String(q)
	offset, _, ok, err := idx.descend(lower)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[uint64]struct{}{}, nil
	}
	return idx.closure(offset)
}

// ExactSearch returns only the value set stored at the node exactly
// reached by q, with no subtree closure. A query that stops partway
// through an edge (a strict prefix of some stored title but not itself
// stored) returns an empty set.
func (idx *Index) ExactSearch(q string) (map[uint64]struct{}, error) {
	lower := lowerCaser.String(q)
	offset, exact, ok, err := idx.descend(lower)
	if err != nil {
		return nil, err
	}
	if !ok || !exact {
		return map[uint64]struct{}{}, nil
	}
	_, values, err := idx.readNode(offset)
	if err != nil {
		return nil, err
	}
	result := make(map[uint64]struct{}, len(values))
	for _, v := range values {
		result[v] = struct{}{}
	}
	return result, nil
}
