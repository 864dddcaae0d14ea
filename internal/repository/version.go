package repository

import "github.com/google/uuid"

// ImplementationUUID identifies this implementation in segment and flat-file
// headers, so foreign implementations sharing the format can be told apart.
var ImplementationUUID = uuid.MustParse("30cc4ba8-8ff6-4a32-9e47-3d512b61e9d1")

// On-disk format version, written to every file header as three big-endian
// u16s.
const (
	VersionMajor uint16 = 0
	VersionMinor uint16 = 2
	VersionPatch uint16 = 0
)
