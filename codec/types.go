// Package codec implements the binary file/wire format: a chunked
// container identified by the magic bytes "DMNDTYPS", holding the
// causal graph and operation log needed to reconstruct a replica's
// full history (and from it, any checked-out version).
//
// Layout:
//
//	magic    [8]byte  "DMNDTYPS"
//	version  varint   protocol version, currently 0
//	chunk*            repeated up to the trailer
//	crc      uint32   CRC-32C (Castagnoli) of every preceding byte, little-endian
//
// Each chunk is:
//
//	id       varint   ChunkKind
//	length   varint   byte length of payload
//	payload  [length]byte
//	crc      uint32   CRC-32C (Castagnoli) of payload, little-endian
//
// Chunk payloads are themselves varint/RLE-column encoded; the content
// chunk may additionally be LZ4-compressed (indicated by a leading flag
// byte in its payload).
package codec

import "errors"

// Magic is the fixed 8-byte file header.
var Magic = [8]byte{'D', 'M', 'N', 'D', 'T', 'Y', 'P', 'S'}

// ProtocolVersion is the only wire version this package understands.
const ProtocolVersion = 0

// ChunkKind identifies a top-level chunk's contents.
type ChunkKind uint32

const (
	ChunkFileInfo ChunkKind = iota
	ChunkCGEntries
	ChunkOpRows
	ChunkContent // inserted-text bytes, optionally LZ4-compressed
)

// compressionFlag values prefixing a compressible payload.
const (
	compressNone byte = 0
	compressLZ4  byte = 1
)

var (
	// ErrBadMagic is returned when a file doesn't start with Magic.
	ErrBadMagic = errors.New("codec: bad magic bytes")
	// ErrUnsupportedVersion is returned for any protocol version other
	// than ProtocolVersion.
	ErrUnsupportedVersion = errors.New("codec: unsupported protocol version")
	// ErrCorruptFile covers all structural decode failures: truncated
	// chunks, CRC mismatches, and invalid run lengths.
	ErrCorruptFile = errors.New("codec: corrupt file")
)

// FileInfo is the first chunk of every file: the agent name table
// referenced by index from AgentAssignment columns elsewhere, avoiding
// repeating agent strings throughout the rest of the file.
type FileInfo struct {
	AgentNames []string // order of first appearance
}
