// Package lzmastream wraps github.com/ulikunitz/xz to provide the two
// compression-stream abstractions §4.1 of the format requires: a streaming
// encoder the builder feeds file contents through, and a seekable decoder
// the reader uses over a bounded sub-range of the memory-mapped archive.
//
// Encoding uses a preset-6-equivalent dictionary size with a CRC64 stream
// checksum and tolerance for concatenated streams on decode, matching
// xz(1)'s own defaults (see mendersoftware/mender-artifact's
// compressor_lzma.go, which configures the same library the same way).
package lzmastream

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/xerrors"
)

// dictCap mirrors xz(1) preset level 6's LZMA2 dictionary size (8 MiB).
const dictCap = 8 << 20

func writerConfig() xz.WriterConfig {
	return xz.WriterConfig{
		DictCap:   dictCap,
		CheckSum:  xz.CRC64,
		Matcher:   lzma.BinaryTree,
		BlockSize: 3 * dictCap,
	}
}

func readerConfig() xz.ReaderConfig {
	return xz.ReaderConfig{
		DictCap: dictCap,
		// The reference decoder tolerates LZMA_CONCATENATED streams;
		// SingleStream: false preserves that tolerance.
		SingleStream: false,
	}
}

// NewWriter wraps w with a streaming LZMA (xz-container) encoder. Callers
// must Close the returned writer to flush the final block and footer.
func NewWriter(w io.Writer) (*xz.Writer, error) {
	cfg := writerConfig()
	zw, err := cfg.NewWriter(w)
	if err != nil {
		return nil, xerrors.Errorf("lzmastream: new writer: %w", err)
	}
	return zw, nil
}

// Reader is a seekable decoder over a compressed payload embedded in a
// larger byte range (typically a memory-mapped archive). Seeking before
// the current decoded position restarts the underlying decoder from byte
// 0 of the compressed payload; seeking forward continues decoding and
// discards the skipped output, mirroring §4.1's reader-stream contract.
type Reader struct {
	compressed []byte // the fixed compressed payload, borrowed, never copied
	fullSize   int64  // uncompressed length

	dec *xz.Reader
	pos int64 // current decoded read position
}

// NewReader constructs a seekable decoder over compressed, whose decoded
// form is exactly fullSize bytes.
func NewReader(compressed []byte, fullSize int64) (*Reader, error) {
	r := &Reader{compressed: compressed, fullSize: fullSize}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) reset() error {
	cfg := readerConfig()
	dec, err := cfg.NewReader(bytes.NewReader(r.compressed))
	if err != nil {
		return xerrors.Errorf("lzmastream: new reader: %w", err)
	}
	r.dec = dec
	r.pos = 0
	return nil
}

// Read implements io.Reader. Reads at or after fullSize return 0, io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.fullSize {
		return 0, io.EOF
	}
	remaining := r.fullSize - r.pos
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.dec.Read(p)
	r.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, &compressionReadError{err: err}
	}
	return n, err
}

// Seek implements io.Seeker. whence follows io.Seeker semantics. Seeking
// beyond fullSize clamps to fullSize rather than failing.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.fullSize + offset
	default:
		return 0, xerrors.Errorf("lzmastream: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, xerrors.Errorf("lzmastream: negative seek position")
	}
	if target > r.fullSize {
		target = r.fullSize
	}

	if target < r.pos {
		if err := r.reset(); err != nil {
			return 0, err
		}
	}
	if err := r.discardTo(target); err != nil {
		return 0, err
	}
	return r.pos, nil
}

func (r *Reader) discardTo(target int64) error {
	const bufSize = 32 * 1024
	var buf [bufSize]byte
	for r.pos < target {
		want := target - r.pos
		if want > bufSize {
			want = bufSize
		}
		n, err := r.dec.Read(buf[:want])
		r.pos += int64(n)
		if err != nil {
			if err == io.EOF {
				break
			}
			return &compressionReadError{err: err}
		}
	}
	return nil
}

type compressionReadError struct{ err error }

func (e *compressionReadError) Error() string { return "lzmastream: decode: " + e.err.Error() }
func (e *compressionReadError) Unwrap() error { return e.err }
