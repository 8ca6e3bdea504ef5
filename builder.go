package zsr

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-zsr/zsr/internal/diskhash"
	"github.com/go-zsr/zsr/internal/lzmastream"
	"github.com/go-zsr/zsr/radixidx"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// LinkPolicy controls how symbolic links in the source tree are
	// archived. The zero value is Process.
	LinkPolicy LinkPolicy

	// NodeSchema names the metadata fields every Regular node carries a
	// value for, in order.
	NodeSchema []string

	// ArchiveMetadata is written verbatim as archive-level metadata.
	ArchiveMetadata []KV

	// TitleField, if non-empty, must name one of NodeSchema's fields.
	// That field's value is fed into the title search index alongside
	// the node's id. Leaving it empty builds an archive with an empty
	// (but present) title index.
	TitleField string

	// MetadataFunc supplies a Regular node's metadata values, in
	// NodeSchema order, given its archive-relative path. A nil
	// MetadataFunc defaults every value to the empty string, matching
	// the reference writer's padding behavior for unset fields.
	MetadataFunc func(archivePath string) ([]string, error)
}

// entryNode is one filesystem entry discovered while walking the source
// tree, after link-policy classification and before body serialization.
type entryNode struct {
	archivePath string
	name        string
	kind        Kind
	fsPath      string // where to read content/children from

	linkTargetArchivePath string // Link only, pre-resolution
	targetID              ID     // Link only, post-resolution

	children []*entryNode
	id       ID
	parentID ID
}

// Build walks srcDir and writes a new archive to destPath.
func Build(ctx context.Context, srcDir, destPath string, opts BuildOptions) error {
	root, err := walkTree(srcDir, opts.LinkPolicy)
	if err != nil {
		return err
	}
	byPath := assignIDs(root)
	if err := resolveLinkTargets(root, byPath); err != nil {
		return err
	}

	titleFieldIdx := -1
	for i, f := range opts.NodeSchema {
		if f == opts.TitleField {
			titleFieldIdx = i
		}
	}
	if opts.TitleField != "" && titleFieldIdx < 0 {
		return badInputf("title field %q is not in node schema", opts.TitleField)
	}

	bs := &buildState{
		schema:        opts.NodeSchema,
		metadataFunc:  opts.MetadataFunc,
		titleIdx:      radixidx.NewWriter(),
		titleFieldIdx: titleFieldIdx,
	}

	total := countNodes(root)
	offsets := make([]uint64, total)
	var body bytes.Buffer
	var bodyLen int64

	var walk func(n *entryNode) error
	walk = func(n *entryNode) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		offsets[n.id] = uint64(bodyLen)
		written, err := bs.writeNode(&body, n)
		if err != nil {
			return err
		}
		bodyLen += written
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	header, bodyEndPos, err := encodeHeader(opts.ArchiveMetadata, opts.NodeSchema)
	if err != nil {
		return err
	}
	headerLen := int64(header.Len())
	bodyEnd := uint64(headerLen) + uint64(bodyLen)
	patchU64Buf(header, bodyEndPos, bodyEnd)

	// Assemble into a temporary file first and rename into place on
	// success, so a build interrupted mid-write never leaves a
	// half-written file at destPath. RegisterAtExit is the same
	// guaranteed-cleanup mechanism the teacher binaries use for their own
	// temp scratch state; cmd/zsr's main calls RunAtExit before exiting so
	// the temp file is removed even if the build is interrupted.
	tmpPath := destPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	RegisterAtExit(func() error {
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			return os.Remove(tmpPath)
		}
		return nil
	})

	if _, err := out.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := out.Write(body.Bytes()); err != nil {
		return err
	}

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(total))
	if _, err := out.Write(countBuf[:]); err != nil {
		return err
	}

	var offBuf [8]byte
	for _, off := range offsets {
		binary.LittleEndian.PutUint64(offBuf[:], uint64(headerLen)+off)
		if _, err := out.Write(offBuf[:]); err != nil {
			return err
		}
	}

	if _, err := bs.titleIdx.WriteTo(out); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, destPath)
}

func encodeHeader(archiveMeta []KV, schema []string) (*bytes.Buffer, int64, error) {
	header := &bytes.Buffer{}
	header.Write(magic[:])
	writeU16(header, formatVersion)
	bodyEndPos := int64(header.Len())
	writeU64(header, 0) // placeholder, patched by the caller

	if len(archiveMeta) > 255 {
		return nil, 0, badInputf("too many archive metadata pairs (max 255)")
	}
	writeU8(header, uint8(len(archiveMeta)))
	for _, kv := range archiveMeta {
		if err := writeString16(header, kv.Key); err != nil {
			return nil, 0, err
		}
		if err := writeString16(header, kv.Value); err != nil {
			return nil, 0, err
		}
	}

	if len(schema) > 255 {
		return nil, 0, badInputf("too many node schema fields (max 255)")
	}
	writeU8(header, uint8(len(schema)))
	for _, f := range schema {
		if err := writeString16(header, f); err != nil {
			return nil, 0, err
		}
	}
	return header, bodyEndPos, nil
}

func patchU64Buf(buf *bytes.Buffer, at int64, v uint64) {
	b := buf.Bytes()
	binary.LittleEndian.PutUint64(b[at:at+8], v)
}

func countNodes(n *entryNode) int {
	c := 1
	for _, ch := range n.children {
		c += countNodes(ch)
	}
	return c
}

type buildState struct {
	schema        []string
	metadataFunc  func(string) ([]string, error)
	titleIdx      *radixidx.Writer
	titleFieldIdx int
}

// metadataFor returns archivePath's metadata values, one per schema field.
// A MetadataFunc that supplies fewer values than the schema has fields is
// padded with empty strings rather than rejected, matching the reference
// writer's handling of an extractor that doesn't fill every key.
func (bs *buildState) metadataFor(archivePath string) ([]string, error) {
	if bs.metadataFunc == nil {
		return make([]string, len(bs.schema)), nil
	}
	vals, err := bs.metadataFunc(archivePath)
	if err != nil {
		return nil, err
	}
	if len(vals) > len(bs.schema) {
		return nil, badInputf("metadata func returned %d values, want at most %d", len(vals), len(bs.schema))
	}
	if len(vals) < len(bs.schema) {
		padded := make([]string, len(bs.schema))
		copy(padded, vals)
		vals = padded
	}
	return vals, nil
}

func (bs *buildState) writeNode(w io.Writer, n *entryNode) (int64, error) {
	var buf bytes.Buffer
	if err := encodeNodeHeader(&buf, n.parentID, n.kind, n.name); err != nil {
		return 0, err
	}

	switch n.kind {
	case Directory:
		childMap := diskhash.NewBuilder()
		for _, c := range n.children {
			childMap.Add(c.name, uint64(c.id))
		}
		if _, err := childMap.WriteTo(&buf); err != nil {
			return 0, err
		}

	case Regular:
		metadata, err := bs.metadataFor(n.archivePath)
		if err != nil {
			return 0, err
		}
		content, err := os.ReadFile(n.fsPath)
		if err != nil {
			return 0, err
		}
		var compressed bytes.Buffer
		zw, err := lzmastream.NewWriter(&compressed)
		if err != nil {
			return 0, &CompressionError{Reason: "compress " + n.archivePath, Err: err}
		}
		if _, err := zw.Write(content); err != nil {
			return 0, &CompressionError{Reason: "compress " + n.archivePath, Err: err}
		}
		if err := zw.Close(); err != nil {
			return 0, &CompressionError{Reason: "compress " + n.archivePath, Err: err}
		}
		if err := encodeRegularPayloadHeader(&buf, metadata, len(bs.schema), uint64(len(content)), uint64(compressed.Len())); err != nil {
			return 0, err
		}
		buf.Write(compressed.Bytes())

		if bs.titleFieldIdx >= 0 {
			skipped, err := bs.titleIdx.Add(metadata[bs.titleFieldIdx], uint64(n.id))
			if err != nil {
				return 0, err
			}
			if skipped {
				log.Printf("zsr: title index: skipping unindexable title for %q", n.archivePath)
			}
		}

	case Link:
		encodeLinkPayload(&buf, n.targetID)
	}

	written, err := w.Write(buf.Bytes())
	return int64(written), err
}

func walkTree(srcDir string, policy LinkPolicy) (*entryNode, error) {
	root := &entryNode{fsPath: srcDir, kind: Directory}
	if err := walkChildren(root, srcDir, srcDir, policy); err != nil {
		return nil, err
	}
	return root, nil
}

func walkChildren(parent *entryNode, srcRoot, dir string, policy LinkPolicy) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		fsPath := filepath.Join(dir, de.Name())
		archivePath := path.Join(parent.archivePath, de.Name())
		info, err := de.Info()
		if err != nil {
			log.Printf("zsr: skipping %q: %v", archivePath, err)
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			child, err := classifySymlink(srcRoot, archivePath, fsPath, de.Name(), policy)
			if err != nil {
				return err
			}
			if child == nil {
				continue
			}
			parent.children = append(parent.children, child)
			if child.kind == Directory {
				if err := walkChildren(child, srcRoot, child.fsPath, policy); err != nil {
					return err
				}
			}
			continue
		}

		if info.IsDir() {
			child := &entryNode{archivePath: archivePath, name: de.Name(), kind: Directory, fsPath: fsPath}
			parent.children = append(parent.children, child)
			if err := walkChildren(child, srcRoot, fsPath, policy); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			log.Printf("zsr: skipping non-regular, non-symlink entry %q", archivePath)
			continue
		}
		f, err := os.Open(fsPath)
		if err != nil {
			log.Printf("zsr: skipping unreadable file %q: %v", archivePath, err)
			continue
		}
		f.Close()
		parent.children = append(parent.children, &entryNode{
			archivePath: archivePath,
			name:        de.Name(),
			kind:        Regular,
			fsPath:      fsPath,
		})
	}
	return nil
}

func classifySymlink(srcRoot, archivePath, fsPath, name string, policy LinkPolicy) (*entryNode, error) {
	if policy == Skip {
		return nil, nil
	}

	target, err := os.Readlink(fsPath)
	if err != nil {
		return nil, err
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(fsPath), target)
	}
	resolved = filepath.Clean(resolved)

	info, statErr := os.Stat(resolved)
	if statErr != nil {
		log.Printf("zsr: skipping broken link %q -> %q", archivePath, target)
		return nil, nil
	}

	rel, relErr := filepath.Rel(srcRoot, resolved)
	inTree := relErr == nil && isWithin(rel)

	if policy == Process && inTree {
		if rel == "." {
			rel = ""
		}
		return &entryNode{
			archivePath:           archivePath,
			name:                  name,
			kind:                  Link,
			linkTargetArchivePath: filepath.ToSlash(rel),
		}, nil
	}

	// Follow: either explicitly requested, or Process falling back for an
	// out-of-tree target.
	if info.IsDir() {
		return &entryNode{archivePath: archivePath, name: name, kind: Directory, fsPath: resolved}, nil
	}
	if !info.Mode().IsRegular() {
		log.Printf("zsr: skipping link %q resolving to a non-regular, non-directory target", archivePath)
		return nil, nil
	}
	return &entryNode{archivePath: archivePath, name: name, kind: Regular, fsPath: resolved}, nil
}

func isWithin(rel string) bool {
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func assignIDs(root *entryNode) map[string]ID {
	byPath := make(map[string]ID)
	var next ID
	var walk func(n *entryNode, parentID ID)
	walk = func(n *entryNode, parentID ID) {
		n.id = next
		n.parentID = parentID
		byPath[n.archivePath] = n.id
		next++
		for _, c := range n.children {
			walk(c, n.id)
		}
	}
	walk(root, 0)
	root.parentID = root.id
	return byPath
}

func resolveLinkTargets(root *entryNode, byPath map[string]ID) error {
	var walk func(n *entryNode) error
	walk = func(n *entryNode) error {
		if n.kind == Link {
			id, ok := byPath[n.linkTargetArchivePath]
			if !ok {
				return &MalformedArchiveError{Reason: "link target not found: " + n.linkTargetArchivePath}
			}
			n.targetID = id
		}
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}
