package softraid

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

// MetaReadResult is the outcome of reading the metadata region of a device set.
type MetaReadResult struct {
	// Meta is the reference record: the valid copy with the highest generation.
	Meta *Metadata
	// Valid counts devices holding a copy consistent with Meta.
	Valid int
	// Chunks maps each device to the chunk id its copy claims, -1 when excluded.
	Chunks []int
	// Errs holds, per device, why its copy was excluded.
	Errs []error
}

// Quorate reports whether every chunk in service presented a consistent copy.
func (r *MetaReadResult) Quorate() bool {
	return r.Valid >= r.Meta.Quorum()
}

// ReadMetadata reads and validates the metadata copy of every device and
// merges them. Copies with another UUID, an older generation or a chunk id
// already claimed are excluded. An error is returned only when no device
// holds a valid copy; quorum is left to the caller.
func ReadMetadata(devs []backend.BlockDevice) (*MetaReadResult, error) {
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrIllegalRequest)
	}
	copies := make([]*Metadata, len(devs))
	res := &MetaReadResult{
		Chunks: make([]int, len(devs)),
		Errs:   make([]error, len(devs)),
	}

	var g errgroup.Group
	for i, dev := range devs {
		g.Go(func() error {
			md, err := readMetadataCopy(dev)
			copies[i], res.Errs[i] = md, err
			return nil
		})
	}
	g.Wait()

	for _, md := range copies {
		if md != nil && (res.Meta == nil || md.Header.Ondisk > res.Meta.Header.Ondisk) {
			res.Meta = md
		}
	}
	if res.Meta == nil {
		return res, fmt.Errorf("%w: no device holds valid metadata: %w", ErrMetadataInvalid, errors.Join(res.Errs...))
	}

	ref := res.Meta
	claimed := make([]bool, len(ref.Chunks))
	for i, md := range copies {
		res.Chunks[i] = -1
		if md == nil {
			continue
		}
		id := md.Header.ChunkID
		switch {
		case md.Volume.UUID != ref.Volume.UUID:
			res.Errs[i] = fmt.Errorf("%w: %s belongs to volume %s, not %s", ErrUUIDMismatch, devs[i].Name(), md.Volume.UUID, ref.Volume.UUID)
		case md.Header.Ondisk != ref.Header.Ondisk:
			res.Errs[i] = fmt.Errorf("%w: %s at generation %d, volume at %d", ErrStaleGeneration, devs[i].Name(), md.Header.Ondisk, ref.Header.Ondisk)
		case int(id) >= len(ref.Chunks) || claimed[id]:
			res.Errs[i] = fmt.Errorf("%w: %s claims chunk %d", ErrBadChunkID, devs[i].Name(), id)
		default:
			claimed[id] = true
			res.Chunks[i] = int(id)
			res.Valid++
			continue
		}
		glog.V(1).Infof("metadata: excluding %s: %v", devs[i].Name(), res.Errs[i])
	}
	return res, nil
}

func readMetadataCopy(dev backend.BlockDevice) (*Metadata, error) {
	if dev.Size() < DataOffset+1 {
		return nil, fmt.Errorf("%w: %s holds %d blocks", ErrBadSize, dev.Name(), dev.Size())
	}
	buf := make([]byte, MetaSize*BlockSize)
	if err := backend.SubmitWait(dev, MetaOffset, backend.DirRead, buf); err != nil {
		return nil, fmt.Errorf("read metadata from %s: %w", dev.Name(), err)
	}
	md, err := UnmarshalMetadata(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev.Name(), err)
	}
	return md, nil
}

// MetaTarget is one device a metadata record is written to.
type MetaTarget struct {
	ChunkID int
	Dev     backend.BlockDevice
}

// WriteMetadata bumps the generation of md, stamps flags into its header and
// writes a copy to every target, then flushes them. It returns the chunk ids
// whose write failed, and an error when none succeeded.
func WriteMetadata(md *Metadata, flags uint32, targets []MetaTarget) (failed []int, err error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no chunk to write metadata to", ErrVolumeOffline)
	}
	md.Header.Ondisk++
	md.Header.Flags = flags

	bufs := make([][]byte, len(targets))
	for i, t := range targets {
		b, err := md.Marshal(uint32(t.ChunkID))
		if err != nil {
			md.Header.Ondisk--
			return nil, err
		}
		padded := make([]byte, (len(b)+BlockSize-1)/BlockSize*BlockSize)
		copy(padded, b)
		bufs[i] = padded
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			if err := backend.SubmitWait(t.Dev, MetaOffset, backend.DirWrite, bufs[i]); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = t.Dev.Flush()
			return nil
		})
	}
	g.Wait()

	for i, e := range errs {
		if e != nil {
			glog.Warningf("metadata: write generation %d to chunk %d (%s): %v", md.Header.Ondisk, targets[i].ChunkID, targets[i].Dev.Name(), e)
			failed = append(failed, targets[i].ChunkID)
		}
	}
	if len(failed) == len(targets) {
		md.Header.Ondisk--
		return failed, fmt.Errorf("%w: metadata write failed on every chunk: %w", ErrIO, errors.Join(errs...))
	}
	return failed, nil
}
