package zsr

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sync/errgroup"

	"github.com/go-zsr/zsr/internal/diskhash"
	"github.com/go-zsr/zsr/internal/lzmastream"
	"github.com/go-zsr/zsr/radixidx"
)

// KV is an archive- or node-level metadata key/value pair. Order is
// preserved from how the archive was built.
type KV struct {
	Key   string
	Value string
}

// Archive is a read-only, memory-mapped view over a zsr archive. It owns
// the mapping for its entire lifetime; every Node and byte slice handed
// out by this package borrows directly from that mapping rather than
// copying, so an Archive must outlive every Node obtained from it.
type Archive struct {
	f  *os.File
	mm mmap.MMap

	bodyStart     int64
	bodyEnd       int64
	indexOffset   int64
	count         int
	trailerOffset int64

	archiveMeta    []KV
	archiveMetaIdx map[string]string
	schema         []string
}

// Open memory-maps path and parses its header. The returned Archive must
// be closed with Close when no longer needed.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, &MalformedArchiveError{Reason: "mmap: " + err.Error()}
	}

	a, err := parseArchive(f, mm)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	return a, nil
}

func parseArchive(f *os.File, mm mmap.MMap) (*Archive, error) {
	data := []byte(mm)

	if len(data) < 4+2+8 {
		return nil, &MalformedArchiveError{Reason: "truncated header"}
	}
	if !bytesEqual(data[0:4], magic[:]) {
		return nil, &MalformedArchiveError{Reason: "bad magic"}
	}
	version, err := readU16(data, 4)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, &MalformedArchiveError{Reason: "unsupported format version"}
	}
	bodyEnd, err := readU64(data, 6)
	if err != nil {
		return nil, err
	}

	pos := int64(14)
	archMetaCount, err := readU8(data, pos)
	if err != nil {
		return nil, err
	}
	pos++
	archiveMeta := make([]KV, 0, archMetaCount)
	archiveMetaIdx := make(map[string]string, archMetaCount)
	for i := 0; i < int(archMetaCount); i++ {
		key, after, err := readString16(data, pos)
		if err != nil {
			return nil, err
		}
		pos = after
		val, after, err := readString16(data, pos)
		if err != nil {
			return nil, err
		}
		pos = after
		archiveMeta = append(archiveMeta, KV{Key: key, Value: val})
		archiveMetaIdx[key] = val
	}

	schemaCount, err := readU8(data, pos)
	if err != nil {
		return nil, err
	}
	pos++
	schema := make([]string, 0, schemaCount)
	for i := 0; i < int(schemaCount); i++ {
		name, after, err := readString16(data, pos)
		if err != nil {
			return nil, err
		}
		pos = after
		schema = append(schema, name)
	}
	headerLen := pos

	if int64(bodyEnd) < headerLen || int64(bodyEnd)+8 > int64(len(data)) {
		return nil, &MalformedArchiveError{Reason: "body_end out of range"}
	}
	size, err := readU64(data, int64(bodyEnd))
	if err != nil {
		return nil, err
	}
	indexOffset := int64(bodyEnd) + 8
	indexLen := int64(size) * 8
	if indexOffset+indexLen > int64(len(data)) {
		return nil, &MalformedArchiveError{Reason: "index table out of range"}
	}
	trailerOffset := indexOffset + indexLen

	return &Archive{
		f:              f,
		mm:             mm,
		bodyStart:      headerLen,
		bodyEnd:        int64(bodyEnd),
		indexOffset:    indexOffset,
		count:          int(size),
		trailerOffset:  trailerOffset,
		archiveMeta:    archiveMeta,
		archiveMetaIdx: archiveMetaIdx,
		schema:         schema,
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close unmaps the archive and closes the underlying file. Every Node
// obtained from this Archive becomes invalid after Close.
func (a *Archive) Close() error {
	if err := a.mm.Unmap(); err != nil {
		return err
	}
	return a.f.Close()
}

func (a *Archive) data() []byte { return []byte(a.mm) }

// Metadata returns the archive-level metadata pairs, in build order.
func (a *Archive) Metadata() []KV { return a.archiveMeta }

// MetadataValue looks up a single archive-level metadata value.
func (a *Archive) MetadataValue(key string) (string, bool) {
	v, ok := a.archiveMetaIdx[key]
	return v, ok
}

// NodeSchema returns the ordered list of per-Regular-node metadata field
// names every archive node record carries a value for.
func (a *Archive) NodeSchema() []string { return a.schema }

// Count returns the number of nodes in the archive.
func (a *Archive) Count() int { return a.count }

// Trailer returns the raw bytes of the archive's opaque trailer region
// (§6 trailer() → bytes_view). It currently holds exactly the serialized
// title index and nothing else.
func (a *Archive) Trailer() []byte {
	return a.data()[a.trailerOffset:]
}

// TitleIndex opens the archive's trailer as a title search index. The
// trailer holds exactly the packed radix tree bytes; there is no further
// trailer structure.
func (a *Archive) TitleIndex() (*radixidx.Index, error) {
	idx, err := radixidx.Open(a.Trailer())
	if err != nil {
		return nil, &IndexCorruptionError{Reason: err.Error()}
	}
	return idx, nil
}

// Node is a lightweight, lazily-decoded view over one archive node record.
// Its strings and content reader borrow directly from the owning
// Archive's memory mapping.
type Node struct {
	a   *Archive
	id  ID
	hdr nodeHeader

	dirMap diskhash.Map
	reg    regularPayload
	link   linkPayload
}

func (a *Archive) node(id ID) (*Node, error) {
	if int(id) < 0 || int(id) >= a.count {
		return nil, notFoundf("node id %d out of range [0,%d)", id, a.count)
	}
	off, err := readU64(a.data(), a.indexOffset+int64(id)*8)
	if err != nil {
		return nil, err
	}
	if int64(off) < a.bodyStart || int64(off) >= a.bodyEnd {
		return nil, &MalformedArchiveError{Reason: "node offset out of body range"}
	}
	hdr, err := decodeNodeHeader(a.data(), int64(off))
	if err != nil {
		return nil, err
	}

	n := &Node{a: a, id: id, hdr: hdr}
	switch hdr.Kind {
	case Directory:
		m, _, err := decodeDirectoryPayload(a.data(), hdr.PayloadOff)
		if err != nil {
			return nil, err
		}
		n.dirMap = m
	case Regular:
		reg, err := decodeRegularPayload(a.data(), hdr.PayloadOff, a.schema)
		if err != nil {
			return nil, err
		}
		n.reg = reg
	case Link:
		lp, err := decodeLinkPayload(a.data(), hdr.PayloadOff)
		if err != nil {
			return nil, err
		}
		n.link = lp
	}
	return n, nil
}

// Root returns the archive's root directory node (id 0).
func (a *Archive) Root() (*Node, error) { return a.node(0) }

// Node looks up a node by id.
func (a *Archive) Node(id ID) (*Node, error) { return a.node(id) }

// ID returns the node's identifier.
func (n *Node) ID() ID { return n.id }

// ParentID returns the identifier of the node's parent directory. The
// root node is its own parent.
func (n *Node) ParentID() ID { return n.hdr.ParentID }

// Name returns the node's name within its parent directory. The root
// node's name is empty.
func (n *Node) Name() string { return n.hdr.Name }

// Kind returns whether the node is a Directory, Regular file, or Link.
func (n *Node) Kind() Kind { return n.hdr.Kind }

// Metadata returns the node's metadata values, in the order of the
// archive's node schema (NodeSchema). Only Regular nodes carry metadata;
// called on a Link, it transparently follows the link chain first (§4.5).
func (n *Node) Metadata() ([]string, error) {
	target, err := n.Follow()
	if err != nil {
		return nil, err
	}
	if target.hdr.Kind != Regular {
		return nil, badInputf("metadata requested on non-regular node %q", n.hdr.Name)
	}
	return target.reg.Metadata, nil
}

// MetadataValue looks up a single metadata value by schema field name,
// transparently following a Link chain first.
func (n *Node) MetadataValue(key string) (string, error) {
	target, err := n.Follow()
	if err != nil {
		return "", err
	}
	if target.hdr.Kind != Regular {
		return "", badInputf("metadata requested on non-regular node %q", n.hdr.Name)
	}
	for i, field := range target.a.schema {
		if field == key {
			return target.reg.Metadata[i], nil
		}
	}
	return "", notFoundf("metadata key %q", key)
}

// FullSize returns the node's uncompressed content size, transparently
// following a Link chain first.
func (n *Node) FullSize() (uint64, error) {
	target, err := n.Follow()
	if err != nil {
		return 0, err
	}
	if target.hdr.Kind != Regular {
		return 0, badInputf("full size requested on non-regular node %q", n.hdr.Name)
	}
	return target.reg.FullSize, nil
}

// Open returns a seekable reader over the node's decompressed content,
// transparently following a Link chain first.
func (n *Node) Open() (io.ReadSeeker, error) {
	target, err := n.Follow()
	if err != nil {
		return nil, err
	}
	if target.hdr.Kind != Regular {
		return nil, badInputf("content requested on non-regular node %q", n.hdr.Name)
	}
	compressed := target.a.data()[target.reg.ContentOffset:target.reg.EndOffset]
	r, err := lzmastream.NewReader(compressed, int64(target.reg.FullSize))
	if err != nil {
		return nil, &CompressionError{Reason: "open node " + target.hdr.Name, Err: err}
	}
	return r, nil
}

// TargetID returns the id a Link node points to directly (one hop).
func (n *Node) TargetID() (ID, error) {
	if n.hdr.Kind != Link {
		return 0, badInputf("target requested on non-link node %q", n.hdr.Name)
	}
	return n.link.TargetID, nil
}

// Follow fully resolves a chain of Link nodes starting at n, returning the
// first non-Link node reached, per §4.5's "public operation requiring a
// non-link transparently follows link chains" rule. If n is not a Link, it
// is returned unchanged. The 255-hop cap (§4.5/I5) still applies.
func (n *Node) Follow() (*Node, error) {
	return n.a.followLinks(n)
}

// Dest returns the node a Link directly targets, one hop only — the
// bounded follow §4.5 describes for computing a link's displayed
// destination, as opposed to Follow's full chain resolution.
func (n *Node) Dest() (*Node, error) {
	if n.hdr.Kind != Link {
		return nil, badInputf("dest requested on non-link node %q", n.hdr.Name)
	}
	return n.a.node(n.link.TargetID)
}

// Child looks up an immediate child of a Directory node by name,
// transparently following a Link chain first.
func (n *Node) Child(name string) (*Node, error) {
	target, err := n.Follow()
	if err != nil {
		return nil, err
	}
	if target.hdr.Kind != Directory {
		return nil, badInputf("children requested on non-directory node %q", n.hdr.Name)
	}
	resolve := func(value uint64) (string, error) {
		c, err := target.a.node(ID(value))
		if err != nil {
			return "", err
		}
		return c.Name(), nil
	}
	value, ok, err := target.dirMap.Lookup(name, resolve)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("child %q of %q", name, n.hdr.Name)
	}
	return target.a.node(ID(value))
}

// Children returns every immediate child of a Directory node, transparently
// following a Link chain first. The underlying directory child-map is
// stored and iterated in hash order (§4.2/§4.5); this helper sorts the
// result by name instead, as a display/listing convenience (cmd/zsr list)
// distinct from that hash-order iteration.
func (n *Node) Children() ([]*Node, error) {
	target, err := n.Follow()
	if err != nil {
		return nil, err
	}
	if target.hdr.Kind != Directory {
		return nil, badInputf("children requested on non-directory node %q", n.hdr.Name)
	}
	var children []*Node
	err = target.dirMap.Each(func(e diskhash.Entry) error {
		c, err := target.a.node(ID(e.Value))
		if err != nil {
			return err
		}
		children = append(children, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNodesByName(children)
	return children, nil
}

func sortNodesByName(nodes []*Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j-1].Name() > nodes[j].Name(); j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

// followLinks resolves a possible chain of Link nodes down to the first
// non-Link node, raising LinkDepthExceededError past the 255-hop cap.
func (a *Archive) followLinks(n *Node) (*Node, error) {
	hops := 0
	for n.Kind() == Link {
		hops++
		if hops > maxLinkHops {
			return nil, &LinkDepthExceededError{}
		}
		tid, err := n.TargetID()
		if err != nil {
			return nil, err
		}
		next, err := a.node(tid)
		if err != nil {
			return nil, err
		}
		n = next
	}
	return n, nil
}

// Resolve walks path from the root, following "." and ".." segments and
// transparently following any Link nodes passed through on the way to
// descend through them, and returns the node found *at* path without
// following it — get(p) yields the Link node itself when path names a
// link (P3/S3), not its target. Callers that need the target should call
// Follow or Dest on the result.
func (a *Archive) Resolve(path string) (*Node, error) {
	cur, err := a.Root()
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return cur, nil
	}
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			dir, err := cur.Follow()
			if err != nil {
				return nil, err
			}
			if dir.Kind() != Directory {
				return nil, notFoundf("path %q: %q is not a directory", path, dir.Name())
			}
			cur, err = a.node(dir.ParentID())
			if err != nil {
				return nil, err
			}
		default:
			cur, err = cur.Child(part)
			if err != nil {
				return nil, err
			}
		}
	}
	return cur, nil
}

// Check reports whether a Regular file exists at path, following any Link
// chain path itself resolves to or passes through.
func (a *Archive) Check(path string) bool {
	n, err := a.Resolve(path)
	if err != nil {
		return false
	}
	n, err = n.Follow()
	if err != nil {
		return false
	}
	return n.Kind() == Regular
}

// Path reconstructs n's full path from the root by walking its parent
// chain.
func (a *Archive) Path(n *Node) (string, error) {
	var parts []string
	cur := n
	for cur.ID() != 0 {
		parts = append(parts, cur.Name())
		parent, err := a.node(cur.ParentID())
		if err != nil {
			return "", err
		}
		if parent.ID() == cur.ID() {
			return "", &MalformedArchiveError{Reason: "node is its own parent"}
		}
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

// Extract writes the subtree rooted at n into destDir, creating
// directories, decompressing Regular file content, and recreating Link
// nodes as OS symlinks (relative to the link's own location). Regular
// files are extracted concurrently, bounded by GOMAXPROCS.
func (a *Archive) Extract(ctx context.Context, n *Node, destDir string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	if err := a.extract(ctx, g, n, destDir); err != nil {
		return err
	}
	return g.Wait()
}

func (a *Archive) extract(ctx context.Context, g *errgroup.Group, n *Node, dest string) error {
	switch n.Kind() {
	case Directory:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		children, err := n.Children()
		if err != nil {
			return err
		}
		for _, c := range children {
			childDest := filepath.Join(dest, c.Name())
			if err := a.extract(ctx, g, c, childDest); err != nil {
				return err
			}
		}
		return nil
	case Regular:
		g.Go(func() error {
			return a.extractFile(n, dest)
		})
		return nil
	case Link:
		target, err := a.node(n.link.TargetID)
		if err != nil {
			return err
		}
		srcPath, err := a.Path(n)
		if err != nil {
			return err
		}
		dstPath, err := a.Path(target)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(srcPath), dstPath)
		if err != nil {
			return err
		}
		return os.Symlink(rel, dest)
	default:
		return &MalformedArchiveError{Reason: "unknown node kind during extraction"}
	}
}

func (a *Archive) extractFile(n *Node, dest string) error {
	r, err := n.Open()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
