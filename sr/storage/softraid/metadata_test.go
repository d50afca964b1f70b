package softraid

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

func testMetadata(n int) *Metadata {
	id := uuid.New()
	md := &Metadata{
		Volume: VolumeMeta{
			Status:  VolumeOnline,
			Level:   LevelMirror,
			Size:    4096,
			ChunkNo: uint32(n),
			UUID:    id,
			Name:    "md-test",
		},
	}
	for i := 0; i < n; i++ {
		md.Chunks = append(md.Chunks, ChunkMeta{
			ID:          uint32(i),
			Status:      ChunkOnline,
			Size:        4096 + DataOffset + uint64(i),
			CoercedSize: 4096,
			UUID:        id,
			DevName:     "mem" + string(rune('0'+i)),
		})
	}
	return md
}

func testDevices(n int, blocks uint64) ([]*backend.MemoryDevice, []backend.BlockDevice) {
	mems := make([]*backend.MemoryDevice, n)
	devs := make([]backend.BlockDevice, n)
	for i := range mems {
		mems[i] = backend.NewMemoryDevice("mem"+string(rune('0'+i)), blocks)
		devs[i] = mems[i]
	}
	return mems, devs
}

func targetsOf(devs []backend.BlockDevice) []MetaTarget {
	var ts []MetaTarget
	for i, d := range devs {
		ts = append(ts, MetaTarget{ChunkID: i, Dev: d})
	}
	return ts
}

func TestMetadataCodec(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "roundtrip", run: testMetaRoundtrip},
		{name: "roundtrip_opts", run: testMetaRoundtripOpts},
		{name: "checksums_reduce_to_zero", run: testMetaChecksums},
		{name: "bad_magic", run: testMetaBadMagic},
		{name: "bad_version", run: testMetaBadVersion},
		{name: "corrupt_byte", run: testMetaCorruptByte},
		{name: "bad_subrecord_checksum", run: testMetaBadSubrecord},
		{name: "bad_chunk_id", run: testMetaBadChunkID},
		{name: "chunk_uuid_mismatch", run: testMetaChunkUUID},
		{name: "truncated", run: testMetaTruncated},
		{name: "marshal_limits", run: testMetaMarshalLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testMetaRoundtrip(t *testing.T) {
	md := testMetadata(3)
	md.Header.Ondisk = 42
	md.Header.Flags = MetaFlagDirty
	buf, err := md.Marshal(2)
	require.NoError(t, err)
	assert.Len(t, buf, MetaHeaderSize+MetaVolumeSize+3*MetaChunkSize)

	got, err := UnmarshalMetadata(buf)
	require.NoError(t, err)
	assert.True(t, got.Equal(md))
	assert.EqualValues(t, 42, got.Header.Ondisk)
	assert.EqualValues(t, 2, got.Header.ChunkID)
	assert.Equal(t, md.Volume.UUID, got.Volume.UUID)
	assert.Equal(t, "md-test", got.Volume.Name)
	assert.Equal(t, "mem1", got.Chunks[1].DevName)

	// Trailing bytes past the record, as read from a whole region, are ignored.
	region := make([]byte, MetaSize*BlockSize)
	copy(region, buf)
	got, err = UnmarshalMetadata(region)
	require.NoError(t, err)
	assert.True(t, got.Equal(md))
}

func testMetaRoundtripOpts(t *testing.T) {
	md := testMetadata(1)
	md.Volume.Level = LevelCrypto
	md.Opts = []OptMeta{{Type: OptCrypto, Payload: []byte{1, 2, 3, 4, 5}}}
	buf, err := md.Marshal(0)
	require.NoError(t, err)
	assert.Equal(t, md.RecordSize(), len(buf))

	got, err := UnmarshalMetadata(buf)
	require.NoError(t, err)
	opt, ok := got.Opt(OptCrypto)
	require.True(t, ok)
	// Payloads are padded to whole words.
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0, 0, 0}, opt.Payload)
	_, ok = got.Opt(99)
	assert.False(t, ok)
}

func testMetaChecksums(t *testing.T) {
	md := testMetadata(2)
	buf, err := md.Marshal(0)
	require.NoError(t, err)
	assert.True(t, ValidateChecksum(buf))
	vol := buf[MetaHeaderSize : MetaHeaderSize+MetaVolumeSize]
	assert.True(t, ValidateChecksum(vol))
	assert.Equal(t, md.Volume.Checksum, binary.LittleEndian.Uint32(vol[76:]))
	for i := 0; i < 2; i++ {
		off := MetaHeaderSize + MetaVolumeSize + i*MetaChunkSize
		assert.True(t, ValidateChecksum(buf[off:off+MetaChunkSize]), "chunk record %d", i)
	}
	assert.Equal(t, uint32(0), CalcChecksum(buf))
	assert.False(t, ValidateChecksum(buf[:len(buf)-1]))
}

func testMetaBadMagic(t *testing.T) {
	buf, err := testMetadata(2).Marshal(0)
	require.NoError(t, err)
	buf[0] ^= 0xff
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
	assert.ErrorIs(t, err, ErrMetadataInvalid)
}

func testMetaBadVersion(t *testing.T) {
	buf, err := testMetadata(2).Marshal(0)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf[8:], MetaVersion+1)
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func testMetaCorruptByte(t *testing.T) {
	buf, err := testMetadata(2).Marshal(0)
	require.NoError(t, err)
	for _, off := range []int{16, MetaHeaderSize + 10, len(buf) - 1} {
		c := append([]byte(nil), buf...)
		c[off] ^= 0x01
		_, err := UnmarshalMetadata(c)
		assert.ErrorIs(t, err, ErrBadChecksum, "offset %d", off)
	}
}

// A sub-record corrupted in a way that keeps the whole record reducing to
// zero is still caught by its own checksum.
func testMetaBadSubrecord(t *testing.T) {
	buf, err := testMetadata(2).Marshal(0)
	require.NoError(t, err)
	off := MetaHeaderSize + MetaVolumeSize + 8
	buf[off] ^= 0x01
	buf[36] ^= 0x01 // header checksum word compensates
	assert.True(t, ValidateChecksum(buf))
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func testMetaBadChunkID(t *testing.T) {
	md := testMetadata(2)
	buf, err := md.Marshal(2)
	require.NoError(t, err)
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrBadChunkID)

	md = testMetadata(2)
	md.Chunks[1].ID = 0
	buf, err = md.Marshal(0)
	require.NoError(t, err)
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrBadChunkID)
}

func testMetaChunkUUID(t *testing.T) {
	md := testMetadata(2)
	md.Chunks[1].UUID = uuid.New()
	buf, err := md.Marshal(0)
	require.NoError(t, err)
	_, err = UnmarshalMetadata(buf)
	assert.ErrorIs(t, err, ErrUUIDMismatch)
}

func testMetaTruncated(t *testing.T) {
	buf, err := testMetadata(2).Marshal(0)
	require.NoError(t, err)
	_, err = UnmarshalMetadata(buf[:MetaHeaderSize])
	assert.ErrorIs(t, err, ErrBadSize)
	_, err = UnmarshalMetadata(buf[:len(buf)-MetaChunkSize])
	assert.ErrorIs(t, err, ErrBadSize)
}

func testMetaMarshalLimits(t *testing.T) {
	md := testMetadata(1)
	md.Chunks = nil
	_, err := md.Marshal(0)
	assert.ErrorIs(t, err, ErrBadSize)

	md = testMetadata(2)
	md.Volume.ChunkNo = 3
	_, err = md.Marshal(0)
	assert.ErrorIs(t, err, ErrBadSize)

	md = testMetadata(1)
	md.Opts = []OptMeta{{Type: OptCrypto, Payload: make([]byte, MetaSize*BlockSize)}}
	_, err = md.Marshal(0)
	assert.ErrorIs(t, err, ErrBadSize)
}

func TestMetadataIO(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "write_read_roundtrip", run: testMetaIORoundtrip},
		{name: "stale_generation_excluded", run: testMetaIOStale},
		{name: "foreign_uuid_excluded", run: testMetaIOForeign},
		{name: "duplicate_chunk_id_excluded", run: testMetaIODuplicate},
		{name: "partial_write_failure", run: testMetaIOPartialFailure},
		{name: "total_write_failure", run: testMetaIOTotalFailure},
		{name: "no_valid_copy", run: testMetaIONoCopy},
		{name: "device_too_small", run: testMetaIOSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testMetaIORoundtrip(t *testing.T) {
	_, devs := testDevices(3, 256)
	md := testMetadata(3)
	md.Header.Ondisk = 7
	want := md.Clone()

	failed, err := WriteMetadata(md, MetaFlagDirty, targetsOf(devs))
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.EqualValues(t, 8, md.Header.Ondisk)

	// Devices in any order.
	res, err := ReadMetadata([]backend.BlockDevice{devs[2], devs[0], devs[1]})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Valid)
	assert.Equal(t, []int{2, 0, 1}, res.Chunks)
	assert.EqualValues(t, 8, res.Meta.Header.Ondisk)
	assert.Equal(t, MetaFlagDirty, res.Meta.Header.Flags)

	want.Header.Flags = MetaFlagDirty
	want.Header.Version = MetaVersion
	assert.True(t, res.Meta.Equal(want))
	for _, e := range res.Errs {
		assert.NoError(t, e)
	}
}

func testMetaIOStale(t *testing.T) {
	_, devs := testDevices(3, 256)
	md := testMetadata(3)
	_, err := WriteMetadata(md, 0, targetsOf(devs))
	require.NoError(t, err)
	_, err = WriteMetadata(md, 0, targetsOf(devs)[:2])
	require.NoError(t, err)

	res, err := ReadMetadata(devs)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Meta.Header.Ondisk)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, -1, res.Chunks[2])
	assert.ErrorIs(t, res.Errs[2], ErrStaleGeneration)
}

func testMetaIOForeign(t *testing.T) {
	_, devs := testDevices(3, 256)
	md := testMetadata(3)
	md.Header.Ondisk = 10
	_, err := WriteMetadata(md, 0, targetsOf(devs)[:2])
	require.NoError(t, err)
	other := testMetadata(3)
	_, err = WriteMetadata(other, 0, []MetaTarget{{ChunkID: 2, Dev: devs[2]}})
	require.NoError(t, err)

	res, err := ReadMetadata(devs)
	require.NoError(t, err)
	assert.Equal(t, md.Volume.UUID, res.Meta.Volume.UUID)
	assert.Equal(t, 2, res.Valid)
	assert.ErrorIs(t, res.Errs[2], ErrUUIDMismatch)
}

func testMetaIODuplicate(t *testing.T) {
	_, devs := testDevices(2, 256)
	md := testMetadata(2)
	_, err := WriteMetadata(md, 0, []MetaTarget{{ChunkID: 0, Dev: devs[0]}, {ChunkID: 0, Dev: devs[1]}})
	require.NoError(t, err)

	res, err := ReadMetadata(devs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Valid)
	assert.Equal(t, []int{0, -1}, res.Chunks)
	assert.ErrorIs(t, res.Errs[1], ErrBadChunkID)
}

func testMetaIOPartialFailure(t *testing.T) {
	mems, devs := testDevices(2, 256)
	mems[1].SetFailWrites(true)
	md := testMetadata(2)
	failed, err := WriteMetadata(md, 0, targetsOf(devs))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, failed)
	assert.EqualValues(t, 1, md.Header.Ondisk)
}

func testMetaIOTotalFailure(t *testing.T) {
	mems, devs := testDevices(2, 256)
	for _, m := range mems {
		m.SetFailWrites(true)
	}
	md := testMetadata(2)
	md.Header.Ondisk = 5
	failed, err := WriteMetadata(md, 0, targetsOf(devs))
	assert.ErrorIs(t, err, ErrIO)
	assert.Len(t, failed, 2)
	assert.EqualValues(t, 5, md.Header.Ondisk, "generation rolled back")

	_, err = WriteMetadata(md, 0, nil)
	assert.ErrorIs(t, err, ErrVolumeOffline)
}

func testMetaIONoCopy(t *testing.T) {
	_, devs := testDevices(2, 256)
	res, err := ReadMetadata(devs)
	assert.ErrorIs(t, err, ErrMetadataInvalid)
	require.NotNil(t, res)
	assert.ErrorIs(t, res.Errs[0], ErrBadMagic)

	_, err = ReadMetadata(nil)
	assert.ErrorIs(t, err, ErrIllegalRequest)
}

func testMetaIOSmall(t *testing.T) {
	_, devs := testDevices(1, DataOffset)
	res, err := ReadMetadata(devs)
	assert.ErrorIs(t, err, ErrMetadataInvalid)
	assert.ErrorIs(t, res.Errs[0], ErrBadSize)
}

func TestMetadataQuorum(t *testing.T) {
	md := testMetadata(3)
	assert.Equal(t, 3, md.Quorum())
	md.Chunks[1].Status = ChunkOffline
	md.Chunks[2].Status = ChunkRebuild
	assert.Equal(t, 2, md.Quorum())

	res := &MetaReadResult{Meta: md, Valid: 1}
	assert.False(t, res.Quorate())
	res.Valid = 2
	assert.True(t, res.Quorate())
}
