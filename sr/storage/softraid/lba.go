package softraid

import (
	"fmt"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

// On-disk geometry, in blocks. The metadata region sits at a fixed offset on
// every chunk and volume data starts right after it.
const (
	BlockSize  = backend.BlockSize
	MetaOffset = 16
	MetaSize   = 64
	DataOffset = MetaOffset + MetaSize
)

// ValidateRange checks that a transfer of length bytes at blk is block aligned
// and fits in a volume of volumeBlocks blocks.
func ValidateRange(blk uint64, length int, volumeBlocks uint64) error {
	if length <= 0 || length%BlockSize != 0 {
		return fmt.Errorf("%w: length %d not a positive multiple of %d", ErrIllegalRequest, length, BlockSize)
	}
	n := uint64(length / BlockSize)
	if blk >= volumeBlocks {
		return fmt.Errorf("%w: block %d beyond volume end %d", ErrIllegalRequest, blk, volumeBlocks)
	}
	if n > volumeBlocks-blk {
		return fmt.Errorf("%w: %d blocks at %d run past volume end %d", ErrIllegalRequest, n, blk, volumeBlocks)
	}
	return nil
}
