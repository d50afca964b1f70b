package softraid

import (
	"cmp"
	"errors"
	"slices"
	"strconv"

	"github.com/golang/glog"

	"github.com/seaweedfs/softraid/sr/stats"
)

// All functions here run with v.mu held. They return the actions, device
// submissions and completion callbacks, to run once it is released.

// schedule starts h unless an earlier pending work unit overlaps it. In that
// case h is deferred behind the most recent such unit and rescheduled when
// that one finishes, so h starts only after every earlier overlapping unit
// has completed.
func (v *Volume) schedule(h wuHandle) []func() {
	w := v.pool.wu(h)
	for i := len(v.pending) - 1; i >= 0; i-- {
		oh := v.pending[i]
		o := v.pool.wu(oh)
		if oh == h || o.seq > w.seq {
			continue
		}
		if o.overlaps(w) {
			w.state = wuDeferred
			o.colliders = append(o.colliders, h)
			stats.VolumeCollisionCounter.WithLabelValues(v.name).Inc()
			glog.V(3).Infof("%s: %s [%d,%d) deferred behind %s [%d,%d)", v.name, w.op, w.blkStart, w.blkEnd, o.op, o.blkStart, o.blkEnd)
			return nil
		}
	}
	return v.startWU(h)
}

func (v *Volume) startWU(h wuHandle) []func() {
	w := v.pool.wu(h)
	w.state = wuInProgress
	actions, err := v.disc.rw(v, h)
	if err != nil {
		w.err = err
		return v.finishWU(h)
	}
	return actions
}

// completeCCB accounts for one finished CCB and finishes its work unit after the last one.
func (v *Volume) completeCCB(ch ccbHandle, ioErr error) []func() {
	c := v.pool.ccb(ch)
	h := c.wu
	w := v.pool.wu(h)
	if ioErr == nil {
		c.state = ccbOk
		w.ioSucceeded++
	} else {
		c.state = ccbFailed
		w.ioFailed++
		if errors.Is(ioErr, ErrTransform) {
			w.xformErr = ioErr
			stats.VolumeTransformErrorCounter.WithLabelValues(v.name).Inc()
			glog.Errorf("%s: %s [%d,%d): %v", v.name, w.op, w.blkStart, w.blkEnd, ioErr)
		} else {
			stats.ChunkFailureCounter.WithLabelValues(v.name, strconv.Itoa(c.chunk)).Inc()
			glog.Warningf("%s: chunk %d %s at blk %d failed: %v", v.name, c.chunk, c.dir, c.blkno, ioErr)
			v.setChunkStateLocked(c.chunk, ChunkOffline)
		}
	}
	w.ioComplete++
	if w.ioComplete < w.ios {
		return nil
	}
	return v.wuDone(h)
}

func (v *Volume) wuDone(h wuHandle) []func() {
	w := v.pool.wu(h)
	err := v.disc.done(v, w)
	if err == errRestart {
		w.state = wuRestart
		w.restarts++
		v.pool.releaseCCBs(h)
		w.ios, w.ioComplete, w.ioSucceeded, w.ioFailed = 0, 0, 0, 0
		stats.VolumeReadRestartCounter.WithLabelValues(v.name).Inc()
		glog.Warningf("%s: %s [%d,%d) failed on every chunk, restarting", v.name, w.op, w.blkStart, w.blkEnd)

		w.state = wuInProgress
		var actions []func()
		if actions, err = v.disc.rw(v, h); err == nil {
			return actions
		}
	}
	if err != nil {
		glog.Errorf("%s: %s [%d,%d): %v", v.name, w.op, w.blkStart, w.blkEnd, err)
	}
	w.err = err
	return v.finishWU(h)
}

// finishWU completes the command of h, releases h and reschedules the work
// units deferred behind it in program order.
func (v *Volume) finishWU(h wuHandle) []func() {
	w := v.pool.wu(h)
	if i := slices.Index(v.pending, h); i >= 0 {
		v.pending = slices.Delete(v.pending, i, i+1)
	}
	x, err, op, started := w.xfer, w.err, w.op, w.started
	colliders := slices.Clone(w.colliders)
	slices.SortFunc(colliders, func(a, b wuHandle) int {
		return cmp.Compare(v.pool.wu(a).seq, v.pool.wu(b).seq)
	})
	v.pool.releaseWU(h)
	v.observe(op, started, err)
	stats.VolumeInFlightGauge.WithLabelValues(v.name).Set(float64(v.pool.inFlight))

	var actions []func()
	if x != nil {
		x.Err = err
		actions = append(actions, func() { x.Done(x) })
	}
	for _, c := range colliders {
		actions = append(actions, v.schedule(c)...)
	}
	v.notifyDrainLocked()
	return actions
}

// ccbDone is the completion callback of every CCB.
func (v *Volume) ccbDone(ch ccbHandle, err error) {
	v.mu.Lock()
	actions := v.completeCCB(ch, err)
	v.mu.Unlock()
	runActions(actions)
}
