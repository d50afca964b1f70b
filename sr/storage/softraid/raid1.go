package softraid

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

// raid1 mirrors writes to every chunk in service and reads from one chunk,
// chosen round robin.
type raid1 struct {
	next int
}

var _ discipline = &raid1{}

func (r *raid1) rw(v *Volume, h wuHandle) ([]func(), error) {
	w := v.pool.wu(h)
	blkno := w.blkStart + DataOffset

	if w.op == OpRead {
		n := len(v.chunks)
		for try := 0; try < n; try++ {
			ci := r.next % n
			r.next++
			if !v.chunks[ci].readable() {
				continue
			}
			ch, _, err := v.newCCB(h, ci, backend.DirRead, blkno, w.xfer.Data)
			if err != nil {
				return nil, err
			}
			w.ios = 1
			glog.V(4).Infof("%s: read [%d,%d) from chunk %d", v.name, w.blkStart, w.blkEnd, ci)
			return []func(){v.issue(ch)}, nil
		}
		return nil, fmt.Errorf("%w: no readable chunk for [%d,%d)", ErrVolumeOffline, w.blkStart, w.blkEnd)
	}

	w.ios = len(v.chunks)
	actions := make([]func(), 0, len(v.chunks))
	for ci, c := range v.chunks {
		if !c.writable() {
			w.ios--
			continue
		}
		ch, _, err := v.newCCB(h, ci, backend.DirWrite, blkno, w.xfer.Data)
		if err != nil {
			return nil, err
		}
		actions = append(actions, v.issue(ch))
	}
	if w.ios == 0 {
		return nil, fmt.Errorf("%w: no writable chunk for [%d,%d)", ErrVolumeOffline, w.blkStart, w.blkEnd)
	}
	glog.V(4).Infof("%s: write [%d,%d) to %d chunks", v.name, w.blkStart, w.blkEnd, w.ios)
	return actions, nil
}

// done tolerates failed CCBs as long as one succeeded. A read that failed
// everywhere is restarted once; the failed chunks are offline by then so the
// restart picks another mirror.
func (r *raid1) done(v *Volume, w *workUnit) error {
	if w.ioFailed == 0 || w.ioSucceeded > 0 {
		return nil
	}
	if w.op == OpRead && w.restarts == 0 {
		return errRestart
	}
	return fmt.Errorf("%w: %s [%d,%d) failed on all %d chunk I/Os", ErrIO, w.op, w.blkStart, w.blkEnd, w.ioFailed)
}

func (r *raid1) close() {}
