package profile

// LoadModuleID is the stable integer identifier of a LoadModule. Id 0 is
// reserved for synthetic addresses used by placeholder Contexts (§4.2).
type LoadModuleID uint32

// PlaceholderLoadModuleID is the reserved load-module id under which every
// placeholder Context's shortcode is addressed.
const PlaceholderLoadModuleID LoadModuleID = 0

// LoadModule is a binary image used by one or more Threads, identified by a
// normalized file path and a content hash.
type LoadModule struct {
	ID   LoadModuleID
	Path string
	Hash [32]byte
}

// FileID is the stable integer identifier of a File.
type FileID uint32

// File is a normalized source-file path referenced by one or more Functions.
type File struct {
	ID   FileID
	Path string
}

// FunctionID is the stable integer identifier of a Function.
type FunctionID uint32

// Function is a named, statically-recovered routine, anchored to a load
// module offset and (when available) a source location. Static recovery
// itself (DWARF/ELF symbolization) is out of scope; Functions arrive here
// pre-resolved from the program-structure sidecar (§6).
type Function struct {
	ID           FunctionID
	Name         string
	FileID       FileID
	Line         uint32
	LoadModuleID LoadModuleID
	Offset       uint64
}
