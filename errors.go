package zsr

import "golang.org/x/xerrors"

// Kind of failure, per the error taxonomy of §7. These are distinguished by
// errors.As (or a type switch) against the error types below, the same way
// internal/squashfs's FileNotFoundError was a named type callers could
// type-switch on.

// MalformedArchiveError reports a structurally invalid archive: bad magic,
// unsupported version, truncated file, out-of-range offsets, an unresolved
// link, or an invalid record type.
type MalformedArchiveError struct {
	Reason string
}

func (e *MalformedArchiveError) Error() string { return "malformed archive: " + e.Reason }

// NotFoundError reports a missing path, metadata key, or out-of-range index
// entry.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "not found: " + e.What }

// CompressionError reports an LZMA encode/decode failure, decoder setup
// failure, or trailing unprocessed input at stream end.
type CompressionError struct {
	Reason string
	Err    error
}

func (e *CompressionError) Error() string {
	if e.Err != nil {
		return "compression: " + e.Reason + ": " + e.Err.Error()
	}
	return "compression: " + e.Reason
}

func (e *CompressionError) Unwrap() error { return e.Err }

// LinkDepthExceededError reports a link-follow chain longer than the
// 255-hop hard maximum.
type LinkDepthExceededError struct{}

func (e *LinkDepthExceededError) Error() string { return "link depth exceeded" }

// IndexCorruptionError reports a radix-tree cycle or out-of-range subtree
// offset.
type IndexCorruptionError struct {
	Reason string
}

func (e *IndexCorruptionError) Error() string { return "index corruption: " + e.Reason }

// BadInputError reports a caller error: an empty path where one was
// required, content requested on a non-regular node, children requested on
// a non-directory, or metadata requested on a non-regular node.
type BadInputError struct {
	Reason string
}

func (e *BadInputError) Error() string { return "bad input: " + e.Reason }

func malformedf(format string, args ...interface{}) error {
	return &MalformedArchiveError{Reason: xerrors.Errorf(format, args...).Error()}
}

func notFoundf(format string, args ...interface{}) error {
	return &NotFoundError{What: xerrors.Errorf(format, args...).Error()}
}

func badInputf(format string, args ...interface{}) error {
	return &BadInputError{Reason: xerrors.Errorf(format, args...).Error()}
}
