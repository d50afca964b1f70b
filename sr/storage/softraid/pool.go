package softraid

import (
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

type wuState uint8

const (
	wuFree wuState = iota
	wuInProgress
	wuDeferred
	wuRestart
)

func (s wuState) String() string {
	switch s {
	case wuFree:
		return "free"
	case wuInProgress:
		return "in-progress"
	case wuDeferred:
		return "deferred"
	case wuRestart:
		return "restart"
	}
	return "unknown"
}

type ccbState uint8

const (
	ccbFree ccbState = iota
	ccbInProgress
	ccbOk
	ccbFailed
)

type wuHandle int32
type ccbHandle int32

// workUnit is one logical I/O request.
type workUnit struct {
	state    wuState
	seq      uint64
	op       Op
	blkStart uint64 // volume blocks, [blkStart, blkEnd)
	blkEnd   uint64

	ios         int
	ioComplete  int
	ioSucceeded int
	ioFailed    int
	restarts    int
	xformErr    error
	err         error

	xfer      *Xfer
	ccbs      []ccbHandle
	colliders []wuHandle
	fake      bool
	started   time.Time
}

func (w *workUnit) overlaps(o *workUnit) bool {
	return w.blkStart < o.blkEnd && o.blkStart < w.blkEnd
}

// ccb is one physical I/O against one chunk on behalf of a work unit.
type ccb struct {
	state  ccbState
	wu     wuHandle
	chunk  int
	dir    backend.Direction
	blkno  uint64 // chunk relative
	buf    []byte
	bounce *bytebufferpool.ByteBuffer
}

// pool is the fixed-capacity arena of work units and CCBs, indexed by handle.
type pool struct {
	wus     []workUnit
	freeWU  []wuHandle
	ccbs    []ccb
	freeCCB []ccbHandle

	// acquired work units not yet released, and the fake ones among them
	inFlight     int
	fakeInFlight int
}

func newPool(maxWU, maxCCBPerWU int) *pool {
	p := &pool{
		wus:     make([]workUnit, maxWU),
		freeWU:  make([]wuHandle, 0, maxWU),
		ccbs:    make([]ccb, maxWU*maxCCBPerWU),
		freeCCB: make([]ccbHandle, 0, maxWU*maxCCBPerWU),
	}
	for i := maxWU - 1; i >= 0; i-- {
		p.freeWU = append(p.freeWU, wuHandle(i))
	}
	for i := len(p.ccbs) - 1; i >= 0; i-- {
		p.freeCCB = append(p.freeCCB, ccbHandle(i))
	}
	return p
}

func (p *pool) wu(h wuHandle) *workUnit { return &p.wus[h] }
func (p *pool) ccb(h ccbHandle) *ccb    { return &p.ccbs[h] }

// acquireWU never blocks; ok is false when the free list is empty.
func (p *pool) acquireWU(fake bool) (h wuHandle, ok bool) {
	n := len(p.freeWU)
	if n == 0 {
		return -1, false
	}
	h = p.freeWU[n-1]
	p.freeWU = p.freeWU[:n-1]
	w := p.wu(h)
	w.state = wuInProgress
	w.fake = fake
	p.inFlight++
	if fake {
		p.fakeInFlight++
	}
	return h, true
}

// acquireCCB hands out a CCB owned by wu.
func (p *pool) acquireCCB(owner wuHandle) (h ccbHandle, ok bool) {
	n := len(p.freeCCB)
	if n == 0 {
		return -1, false
	}
	h = p.freeCCB[n-1]
	p.freeCCB = p.freeCCB[:n-1]
	c := p.ccb(h)
	c.state = ccbInProgress
	c.wu = owner
	w := p.wu(owner)
	w.ccbs = append(w.ccbs, h)
	return h, true
}

// releaseCCBs returns every CCB owned by wu to the free list.
func (p *pool) releaseCCBs(owner wuHandle) {
	w := p.wu(owner)
	for _, h := range w.ccbs {
		c := p.ccb(h)
		if c.bounce != nil {
			bytebufferpool.Put(c.bounce)
		}
		*c = ccb{}
		p.freeCCB = append(p.freeCCB, h)
	}
	w.ccbs = w.ccbs[:0]
}

// releaseWU resets wu, returns it and its CCBs to the pool and drops the in-flight count.
func (p *pool) releaseWU(h wuHandle) {
	p.releaseCCBs(h)
	w := p.wu(h)
	p.inFlight--
	if w.fake {
		p.fakeInFlight--
	}
	ccbs, colliders := w.ccbs[:0], w.colliders[:0]
	*w = workUnit{ccbs: ccbs, colliders: colliders}
	p.freeWU = append(p.freeWU, h)
}

// pendingIO counts in-flight work units that carry real I/O.
func (p *pool) pendingIO() int {
	return p.inFlight - p.fakeInFlight
}

func (p *pool) freeWUs() int  { return len(p.freeWU) }
func (p *pool) freeCCBs() int { return len(p.freeCCB) }
