package softraid

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang/glog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/semaphore"

	"github.com/seaweedfs/softraid/sr/storage/backend"
	"github.com/seaweedfs/softraid/sr/storage/softraid/crypto"
)

// MaxCryptoBlocks is the largest crypto volume the key set can address.
const MaxCryptoBlocks = crypto.KeyCount << crypto.KeyShift

type blockTransform interface {
	Encrypt(dst, src []byte, blkno uint64) error
	Decrypt(dst, src []byte, blkno uint64) error
}

// raidc encrypts a single chunk. Writes are encrypted into a bounce buffer
// before submission; reads land in a bounce buffer and are decrypted into the
// caller's buffer only when the whole transfer decrypted.
type raidc struct {
	keys  *crypto.KeySet
	xform blockTransform
	sem   *semaphore.Weighted
}

var _ discipline = &raidc{}

func newRAIDC(keys *crypto.KeySet, workers int) (*raidc, error) {
	t, err := crypto.NewTransform(keys)
	if err != nil {
		return nil, err
	}
	return &raidc{
		keys:  keys,
		xform: t,
		sem:   semaphore.NewWeighted(int64(workers)),
	}, nil
}

// transform runs fn on a bounded number of concurrent workers.
func (r *raidc) transform(fn func() error) error {
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("%w: %v", ErrTransform, err)
	}
	defer r.sem.Release(1)
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransform, err)
	}
	return nil
}

func (r *raidc) rw(v *Volume, h wuHandle) ([]func(), error) {
	w := v.pool.wu(h)
	c := v.chunks[0]
	if (w.op == OpRead && !c.readable()) || (w.op == OpWrite && !c.writable()) {
		return nil, fmt.Errorf("%w: chunk 0 is %s", ErrVolumeOffline, c.state)
	}

	dir := backend.DirRead
	if w.op == OpWrite {
		dir = backend.DirWrite
	}
	n := len(w.xfer.Data)
	bb := bytebufferpool.Get()
	bb.B = slices.Grow(bb.B[:0], n)[:n]
	ch, cc, err := v.newCCB(h, 0, dir, w.blkStart+DataOffset, bb.B)
	if err != nil {
		bytebufferpool.Put(bb)
		return nil, err
	}
	cc.bounce = bb
	w.ios = 1

	dev, blk, chunkBlk, data, bounce := c.dev, w.blkStart, cc.blkno, w.xfer.Data, bb.B
	if w.op == OpWrite {
		return []func(){func() {
			go func() {
				if err := r.transform(func() error { return r.xform.Encrypt(bounce, data, blk) }); err != nil {
					v.ccbDone(ch, err)
					return
				}
				dev.Submit(chunkBlk, backend.DirWrite, bounce, func(err error) {
					v.ccbDone(ch, err)
				})
			}()
		}}, nil
	}

	return []func(){func() {
		dev.Submit(chunkBlk, backend.DirRead, bounce, func(err error) {
			if err != nil {
				v.ccbDone(ch, err)
				return
			}
			go func() {
				err := r.transform(func() error { return r.xform.Decrypt(bounce, bounce, blk) })
				if err == nil {
					copy(data, bounce)
				}
				v.ccbDone(ch, err)
			}()
		})
	}}, nil
}

// done has a single candidate chunk, so there is nothing to restart against.
func (r *raidc) done(v *Volume, w *workUnit) error {
	if w.ioFailed == 0 {
		return nil
	}
	if w.xformErr != nil {
		return w.xformErr
	}
	return fmt.Errorf("%w: %s [%d,%d) failed on chunk 0", ErrIO, w.op, w.blkStart, w.blkEnd)
}

func (r *raidc) close() {
	if r.keys != nil {
		r.keys.Zero()
	}
	glog.V(1).Infof("crypto key set wiped")
}
