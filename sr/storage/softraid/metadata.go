package softraid

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	MetaMagic   uint64 = 0x4d4152436372616d // "MARCcram"
	MetaVersion uint32 = 1

	MetaHeaderSize = 40
	MetaVolumeSize = 80
	MetaChunkSize  = 80
	metaOptHdrSize = 8

	MaxChunks   = 32
	NameLen     = 32
	DevNameLen  = 32
	metaMaxSize = MetaSize * BlockSize
)

// Header flags.
const (
	MetaFlagDirty uint32 = 1 << 0
)

// Optional record types.
const (
	OptCrypto uint32 = 1
)

// Level identifies the volume discipline on disk.
type Level uint32

const (
	LevelMirror Level = 1
	LevelCrypto Level = 'C'
)

func (l Level) String() string {
	switch l {
	case LevelMirror:
		return "raid1"
	case LevelCrypto:
		return "crypto"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// MetaHeader opens the metadata record.
//
//	0  magic     u64
//	8  version   u32
//	12 size      u32  bytes of the whole record
//	16 ondisk    u64  generation counter
//	24 flags     u32
//	28 chunk id  u32  chunk this copy was written to
//	32 opt count u32
//	36 checksum  u32  whole record XORs to zero
type MetaHeader struct {
	Magic    uint64
	Version  uint32
	Size     uint32
	Ondisk   uint64
	Flags    uint32
	ChunkID  uint32
	OptCount uint32
	Checksum uint32
}

// VolumeMeta is the volume sub-record.
//
//	0  status   u32
//	4  level    u32
//	8  size     u64  logical blocks
//	16 chunks   u32
//	20 reserved u32
//	24 uuid     [16]
//	40 name     [32]
//	72 reserved u32
//	76 checksum u32
type VolumeMeta struct {
	Status   VolumeState
	Level    Level
	Size     uint64
	ChunkNo  uint32
	UUID     uuid.UUID
	Name     string
	Checksum uint32
}

// ChunkMeta is one chunk sub-record.
//
//	0  chunk id  u32
//	4  status    u32
//	8  size      u64  raw blocks
//	16 coerced   u64  usable blocks
//	24 uuid      [16] volume uuid
//	40 devname   [32]
//	72 reserved  u32
//	76 checksum  u32
type ChunkMeta struct {
	ID          uint32
	Status      ChunkState
	Size        uint64
	CoercedSize uint64
	UUID        uuid.UUID
	DevName     string
	Checksum    uint32
}

// OptMeta is an optional record following the chunk records.
//
//	0 type     u32
//	4 length   u32  record bytes including type, length and checksum
//	8 payload  [length-12]
//	  checksum u32
type OptMeta struct {
	Type     uint32
	Payload  []byte
	Checksum uint32
}

// Metadata is the record persisted on every chunk of a volume.
type Metadata struct {
	Header MetaHeader
	Volume VolumeMeta
	Chunks []ChunkMeta
	Opts   []OptMeta
}

// CalcChecksum XORs the little-endian 32-bit words of b. len(b) must be a multiple of 4.
func CalcChecksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(b); i += 4 {
		sum ^= binary.LittleEndian.Uint32(b[i:])
	}
	return sum
}

// ValidateChecksum reports whether b, checksum word included, reduces to zero.
func ValidateChecksum(b []byte) bool {
	return len(b)%4 == 0 && CalcChecksum(b) == 0
}

// sealChecksum stores at off the value that makes b reduce to zero.
func sealChecksum(b []byte, off int) uint32 {
	binary.LittleEndian.PutUint32(b[off:], 0)
	sum := CalcChecksum(b)
	binary.LittleEndian.PutUint32(b[off:], sum)
	return sum
}

func optRecordSize(payload []byte) int {
	return metaOptHdrSize + (len(payload)+3)&^3 + 4
}

// RecordSize returns the encoded size of md.
func (md *Metadata) RecordSize() int {
	n := MetaHeaderSize + MetaVolumeSize + MetaChunkSize*len(md.Chunks)
	for _, o := range md.Opts {
		n += optRecordSize(o.Payload)
	}
	return n
}

// Quorum is the number of chunks the record lists as in service.
func (md *Metadata) Quorum() int {
	n := 0
	for _, cm := range md.Chunks {
		if cm.Status != ChunkOffline {
			n++
		}
	}
	return n
}

// Opt returns the first optional record of type typ.
func (md *Metadata) Opt(typ uint32) (*OptMeta, bool) {
	for i := range md.Opts {
		if md.Opts[i].Type == typ {
			return &md.Opts[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (md *Metadata) Clone() *Metadata {
	c := *md
	c.Chunks = append([]ChunkMeta(nil), md.Chunks...)
	c.Opts = make([]OptMeta, len(md.Opts))
	for i, o := range md.Opts {
		c.Opts[i] = OptMeta{Type: o.Type, Payload: append([]byte(nil), o.Payload...), Checksum: o.Checksum}
	}
	return &c
}

func putName(b []byte, s string) {
	clear(b)
	copy(b, s)
}

func getName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Marshal encodes md as the copy stored on chunk chunkID, recomputing every
// checksum. The size, chunk id and opt count header fields are derived.
func (md *Metadata) Marshal(chunkID uint32) ([]byte, error) {
	if len(md.Chunks) == 0 || len(md.Chunks) > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks", ErrBadSize, len(md.Chunks))
	}
	if int(md.Volume.ChunkNo) != len(md.Chunks) {
		return nil, fmt.Errorf("%w: volume lists %d chunks, record has %d", ErrBadSize, md.Volume.ChunkNo, len(md.Chunks))
	}
	size := md.RecordSize()
	if size > metaMaxSize {
		return nil, fmt.Errorf("%w: record %d bytes exceeds %d", ErrBadSize, size, metaMaxSize)
	}

	buf := make([]byte, size)
	le := binary.LittleEndian

	off := MetaHeaderSize
	v := buf[off : off+MetaVolumeSize]
	le.PutUint32(v[0:], uint32(md.Volume.Status))
	le.PutUint32(v[4:], uint32(md.Volume.Level))
	le.PutUint64(v[8:], md.Volume.Size)
	le.PutUint32(v[16:], md.Volume.ChunkNo)
	copy(v[24:40], md.Volume.UUID[:])
	putName(v[40:40+NameLen], md.Volume.Name)
	md.Volume.Checksum = sealChecksum(v, 76)
	off += MetaVolumeSize

	for i := range md.Chunks {
		cm := &md.Chunks[i]
		c := buf[off : off+MetaChunkSize]
		le.PutUint32(c[0:], cm.ID)
		le.PutUint32(c[4:], uint32(cm.Status))
		le.PutUint64(c[8:], cm.Size)
		le.PutUint64(c[16:], cm.CoercedSize)
		copy(c[24:40], cm.UUID[:])
		putName(c[40:40+DevNameLen], cm.DevName)
		cm.Checksum = sealChecksum(c, 76)
		off += MetaChunkSize
	}

	for i := range md.Opts {
		om := &md.Opts[i]
		n := optRecordSize(om.Payload)
		o := buf[off : off+n]
		le.PutUint32(o[0:], om.Type)
		le.PutUint32(o[4:], uint32(n))
		copy(o[metaOptHdrSize:], om.Payload)
		om.Checksum = sealChecksum(o, n-4)
		off += n
	}

	md.Header.Magic = MetaMagic
	md.Header.Version = MetaVersion
	md.Header.Size = uint32(size)
	md.Header.ChunkID = chunkID
	md.Header.OptCount = uint32(len(md.Opts))
	h := buf[:MetaHeaderSize]
	le.PutUint64(h[0:], md.Header.Magic)
	le.PutUint32(h[8:], md.Header.Version)
	le.PutUint32(h[12:], md.Header.Size)
	le.PutUint64(h[16:], md.Header.Ondisk)
	le.PutUint32(h[24:], md.Header.Flags)
	le.PutUint32(h[28:], md.Header.ChunkID)
	le.PutUint32(h[32:], md.Header.OptCount)
	md.Header.Checksum = sealChecksum(buf, 36)

	return buf, nil
}

// UnmarshalMetadata decodes and validates a record: magic, version, size,
// the whole-record checksum and every sub-record checksum.
func UnmarshalMetadata(buf []byte) (*Metadata, error) {
	if len(buf) < MetaHeaderSize+MetaVolumeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, len(buf))
	}
	le := binary.LittleEndian
	md := &Metadata{}
	h := &md.Header
	h.Magic = le.Uint64(buf[0:])
	if h.Magic != MetaMagic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	h.Version = le.Uint32(buf[8:])
	if h.Version != MetaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, MetaVersion)
	}
	h.Size = le.Uint32(buf[12:])
	h.Ondisk = le.Uint64(buf[16:])
	h.Flags = le.Uint32(buf[24:])
	h.ChunkID = le.Uint32(buf[28:])
	h.OptCount = le.Uint32(buf[32:])
	h.Checksum = le.Uint32(buf[36:])

	size := int(h.Size)
	if size < MetaHeaderSize+MetaVolumeSize+MetaChunkSize || size > len(buf) || size%4 != 0 {
		return nil, fmt.Errorf("%w: record size %d", ErrBadSize, size)
	}
	buf = buf[:size]
	if !ValidateChecksum(buf) {
		return nil, fmt.Errorf("%w: header", ErrBadChecksum)
	}

	off := MetaHeaderSize
	v := buf[off : off+MetaVolumeSize]
	if !ValidateChecksum(v) {
		return nil, fmt.Errorf("%w: volume record", ErrBadChecksum)
	}
	md.Volume = VolumeMeta{
		Status:   VolumeState(le.Uint32(v[0:])),
		Level:    Level(le.Uint32(v[4:])),
		Size:     le.Uint64(v[8:]),
		ChunkNo:  le.Uint32(v[16:]),
		Name:     getName(v[40 : 40+NameLen]),
		Checksum: le.Uint32(v[76:]),
	}
	copy(md.Volume.UUID[:], v[24:40])
	off += MetaVolumeSize

	n := int(md.Volume.ChunkNo)
	if n == 0 || n > MaxChunks || off+n*MetaChunkSize > size {
		return nil, fmt.Errorf("%w: %d chunks in %d bytes", ErrBadSize, n, size)
	}
	md.Chunks = make([]ChunkMeta, n)
	for i := range md.Chunks {
		c := buf[off : off+MetaChunkSize]
		if !ValidateChecksum(c) {
			return nil, fmt.Errorf("%w: chunk record %d", ErrBadChecksum, i)
		}
		cm := &md.Chunks[i]
		cm.ID = le.Uint32(c[0:])
		cm.Status = ChunkState(le.Uint32(c[4:]))
		cm.Size = le.Uint64(c[8:])
		cm.CoercedSize = le.Uint64(c[16:])
		copy(cm.UUID[:], c[24:40])
		cm.DevName = getName(c[40 : 40+DevNameLen])
		cm.Checksum = le.Uint32(c[76:])
		off += MetaChunkSize
	}

	for i := uint32(0); i < h.OptCount; i++ {
		if off+metaOptHdrSize+4 > size {
			return nil, fmt.Errorf("%w: optional record %d truncated", ErrBadSize, i)
		}
		l := int(le.Uint32(buf[off+4:]))
		if l < metaOptHdrSize+4 || l%4 != 0 || off+l > size {
			return nil, fmt.Errorf("%w: optional record %d length %d", ErrBadSize, i, l)
		}
		o := buf[off : off+l]
		if !ValidateChecksum(o) {
			return nil, fmt.Errorf("%w: optional record %d", ErrBadChecksum, i)
		}
		md.Opts = append(md.Opts, OptMeta{
			Type:     le.Uint32(o[0:]),
			Payload:  append([]byte(nil), o[metaOptHdrSize:l-4]...),
			Checksum: le.Uint32(o[l-4:]),
		})
		off += l
	}
	if off != size {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadSize, size-off)
	}

	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// Validate checks the semantic consistency of a decoded record.
func (md *Metadata) Validate() error {
	n := uint32(len(md.Chunks))
	if md.Header.ChunkID >= n {
		return fmt.Errorf("%w: header chunk id %d of %d", ErrBadChunkID, md.Header.ChunkID, n)
	}
	seen := make([]bool, n)
	for i, cm := range md.Chunks {
		if cm.ID >= n || seen[cm.ID] {
			return fmt.Errorf("%w: chunk record %d has id %d", ErrBadChunkID, i, cm.ID)
		}
		seen[cm.ID] = true
		if cm.UUID != md.Volume.UUID {
			return fmt.Errorf("%w: chunk record %d", ErrUUIDMismatch, i)
		}
		if !cm.Status.valid() {
			return fmt.Errorf("%w: chunk record %d status %d", ErrMetadataInvalid, i, cm.Status)
		}
	}
	if md.Volume.Level != LevelMirror && md.Volume.Level != LevelCrypto {
		return fmt.Errorf("%w: level %d", ErrMetadataInvalid, md.Volume.Level)
	}
	return nil
}

// Equal compares two records ignoring the generation counter, the per-copy
// chunk id and the checksums.
func (md *Metadata) Equal(o *Metadata) bool {
	if md.Header.Flags != o.Header.Flags || md.Header.Version != o.Header.Version {
		return false
	}
	a, b := md.Volume, o.Volume
	a.Checksum, b.Checksum = 0, 0
	if a != b || len(md.Chunks) != len(o.Chunks) || len(md.Opts) != len(o.Opts) {
		return false
	}
	for i := range md.Chunks {
		x, y := md.Chunks[i], o.Chunks[i]
		x.Checksum, y.Checksum = 0, 0
		if x != y {
			return false
		}
	}
	for i := range md.Opts {
		if md.Opts[i].Type != o.Opts[i].Type || !bytes.Equal(md.Opts[i].Payload, o.Opts[i].Payload) {
			return false
		}
	}
	return true
}
