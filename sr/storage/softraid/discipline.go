package softraid

import (
	"errors"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

var errRestart = errors.New("softraid: restart work unit")

// discipline is the per-level I/O strategy. rw and done run with v.mu held.
type discipline interface {
	// rw allocates the CCBs of a started work unit, sets its expected I/O
	// count and returns the actions issuing them.
	rw(v *Volume, h wuHandle) ([]func(), error)
	// done reduces the CCB outcomes of a work unit whose I/Os all completed.
	// errRestart asks for the work unit to be issued again.
	done(v *Volume, w *workUnit) error
	close()
}

func (c *chunk) readable() bool {
	return c.dev != nil && (c.state == ChunkOnline || c.state == ChunkScrub)
}

func (c *chunk) writable() bool {
	return c.readable() || (c.dev != nil && c.state == ChunkRebuild)
}

// newCCB allocates a CCB of h targeting chunk ci at chunk block blkno.
func (v *Volume) newCCB(h wuHandle, ci int, dir backend.Direction, blkno uint64, buf []byte) (ccbHandle, *ccb, error) {
	ch, ok := v.pool.acquireCCB(h)
	if !ok {
		return -1, nil, ErrTryAgain
	}
	c := v.pool.ccb(ch)
	c.chunk = ci
	c.dir = dir
	c.blkno = blkno
	c.buf = buf
	return ch, c, nil
}

// issue returns the action submitting ch to its chunk device.
func (v *Volume) issue(ch ccbHandle) func() {
	c := v.pool.ccb(ch)
	dev, blkno, dir, buf := v.chunks[c.chunk].dev, c.blkno, c.dir, c.buf
	return func() {
		dev.Submit(blkno, dir, buf, func(err error) {
			v.ccbDone(ch, err)
		})
	}
}
