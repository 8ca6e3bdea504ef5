package zsr

import (
	"bytes"
	"encoding/binary"

	"github.com/go-zsr/zsr/internal/diskhash"
)

// Fixed node-record layout (§3/§4.3):
//
//	parent_id        u64
//	type              u8
//	name_len         u16
//	name             name_len bytes, UTF-8
//	<kind-specific payload>
//
// Directory payload is an embedded disk hash map (internal/diskhash).
// Regular payload is M length-prefixed metadata strings (M = the archive's
// node-metadata schema size), then full_size u64, compressed_len u64, then
// compressed_len bytes of LZMA content. Link payload is a single target_id
// u64.

const maxNameLen = 1<<16 - 1

func writeU8(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(v)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString16(buf *bytes.Buffer, s string) error {
	if len(s) > maxNameLen {
		return &BadInputError{Reason: "string exceeds u16 length prefix"}
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readU8(data []byte, pos int64) (uint8, error) {
	if pos < 0 || pos+1 > int64(len(data)) {
		return 0, &MalformedArchiveError{Reason: "truncated u8"}
	}
	return data[pos], nil
}

func readU16(data []byte, pos int64) (uint16, error) {
	if pos < 0 || pos+2 > int64(len(data)) {
		return 0, &MalformedArchiveError{Reason: "truncated u16"}
	}
	return binary.LittleEndian.Uint16(data[pos : pos+2]), nil
}

func readU64(data []byte, pos int64) (uint64, error) {
	if pos < 0 || pos+8 > int64(len(data)) {
		return 0, &MalformedArchiveError{Reason: "truncated u64"}
	}
	return binary.LittleEndian.Uint64(data[pos : pos+8]), nil
}

// readString16 reads a u16-length-prefixed string starting at pos, returning
// the string and the offset immediately following it.
func readString16(data []byte, pos int64) (string, int64, error) {
	n, err := readU16(data, pos)
	if err != nil {
		return "", 0, err
	}
	start := pos + 2
	end := start + int64(n)
	if end > int64(len(data)) {
		return "", 0, &MalformedArchiveError{Reason: "truncated string"}
	}
	return string(data[start:end]), end, nil
}

// nodeHeader is the fixed-size-prefix portion of a node record, common to
// all kinds.
type nodeHeader struct {
	ParentID   ID
	Kind       Kind
	Name       string
	PayloadOff int64 // offset, in data, where the kind-specific payload begins
}

func decodeNodeHeader(data []byte, offset int64) (nodeHeader, error) {
	parentID, err := readU64(data, offset)
	if err != nil {
		return nodeHeader{}, err
	}
	kindByte, err := readU8(data, offset+8)
	if err != nil {
		return nodeHeader{}, err
	}
	name, after, err := readString16(data, offset+9)
	if err != nil {
		return nodeHeader{}, err
	}
	kind := Kind(kindByte)
	if kind != Directory && kind != Regular && kind != Link {
		return nodeHeader{}, &MalformedArchiveError{Reason: "unknown node kind"}
	}
	return nodeHeader{ParentID: ID(parentID), Kind: kind, Name: name, PayloadOff: after}, nil
}

func encodeNodeHeader(buf *bytes.Buffer, parentID ID, kind Kind, name string) error {
	writeU64(buf, uint64(parentID))
	writeU8(buf, uint8(kind))
	return writeString16(buf, name)
}

// regularPayload is the decoded, still-lazy view of a Regular node's
// payload: metadata strings are materialized, but compressed content is
// referenced by offset/length into data rather than copied.
type regularPayload struct {
	Metadata      []string
	FullSize      uint64
	CompressedLen uint64
	ContentOffset int64
	EndOffset     int64
}

func decodeRegularPayload(data []byte, offset int64, schema []string) (regularPayload, error) {
	pos := offset
	metadata := make([]string, len(schema))
	for i := range schema {
		s, after, err := readString16(data, pos)
		if err != nil {
			return regularPayload{}, err
		}
		metadata[i] = s
		pos = after
	}

	fullSize, err := readU64(data, pos)
	if err != nil {
		return regularPayload{}, err
	}
	pos += 8

	compressedLen, err := readU64(data, pos)
	if err != nil {
		return regularPayload{}, err
	}
	pos += 8

	contentOffset := pos
	end := contentOffset + int64(compressedLen)
	if end > int64(len(data)) {
		return regularPayload{}, &MalformedArchiveError{Reason: "truncated compressed content"}
	}

	return regularPayload{
		Metadata:      metadata,
		FullSize:      fullSize,
		CompressedLen: compressedLen,
		ContentOffset: contentOffset,
		EndOffset:     end,
	}, nil
}

func encodeRegularPayloadHeader(buf *bytes.Buffer, metadata []string, schemaLen int, fullSize, compressedLen uint64) error {
	if len(metadata) != schemaLen {
		return &BadInputError{Reason: "metadata value count does not match archive schema"}
	}
	for _, v := range metadata {
		if err := writeString16(buf, v); err != nil {
			return err
		}
	}
	writeU64(buf, fullSize)
	writeU64(buf, compressedLen)
	return nil
}

type linkPayload struct {
	TargetID ID
	EndOffset int64
}

func decodeLinkPayload(data []byte, offset int64) (linkPayload, error) {
	v, err := readU64(data, offset)
	if err != nil {
		return linkPayload{}, err
	}
	return linkPayload{TargetID: ID(v), EndOffset: offset + 8}, nil
}

func encodeLinkPayload(buf *bytes.Buffer, targetID ID) {
	writeU64(buf, uint64(targetID))
}

func decodeDirectoryPayload(data []byte, offset int64) (diskhash.Map, int64, error) {
	if offset < 0 || offset > int64(len(data)) {
		return diskhash.Map{}, 0, &MalformedArchiveError{Reason: "directory payload offset out of range"}
	}
	m, err := diskhash.Open(data[offset:])
	if err != nil {
		return diskhash.Map{}, 0, &MalformedArchiveError{Reason: "directory child map: " + err.Error()}
	}
	return m, offset + m.ByteSize(), nil
}
