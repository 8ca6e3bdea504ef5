package zsr

// Kind identifies what a node in an archive represents. The set is closed:
// Directory, Regular and Link are the only kinds a well-formed archive may
// contain. Unknown is the zero value and never appears on disk.
type Kind uint8

const (
	Unknown Kind = iota
	Directory
	Regular
	Link
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case Regular:
		return "regular"
	case Link:
		return "link"
	default:
		return "unknown"
	}
}

// ID is a zero-based, monotonically assigned node identifier. Id 0 is
// always the archive root.
type ID uint64

// Offset is a byte position within an archive file.
type Offset uint64

// LinkPolicy controls how the builder treats symbolic links found while
// walking the source tree.
type LinkPolicy int

const (
	// Process archives in-tree symlinks as Link nodes and falls back to
	// Follow for symlinks that resolve outside the source tree.
	Process LinkPolicy = iota
	// Follow replaces every symlink with the file or directory it
	// resolves to.
	Follow
	// Skip omits every symlink encountered during the walk.
	Skip
)

// maxLinkHops is the hard limit on link-follow chains (§4.5/I5).
const maxLinkHops = 255

// magic is the 4-byte literal prefixing every archive.
var magic = [4]byte{'!', 'Z', 'S', 'R'}

// formatVersion is the only version this implementation accepts.
const formatVersion uint16 = 1
