package softraid

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/softraid/sr/storage/backend"
)

// drain waits until no work unit carrying I/O is in flight. Fake work units
// held by concurrent syncs do not count.
func (v *Volume) drain(timeout time.Duration) error {
	v.mu.Lock()
	n := v.pool.pendingIO()
	if n == 0 {
		v.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	v.drainWaiters = append(v.drainWaiters, ch)
	v.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		glog.Warningf("%s: drain timed out after %v, %d work units were in flight", v.name, timeout, n)
		return fmt.Errorf("%w after %v", ErrSyncTimeout, timeout)
	}
}

func (v *Volume) notifyDrainLocked() {
	if v.pool.pendingIO() > 0 {
		return
	}
	for _, ch := range v.drainWaiters {
		close(ch)
	}
	v.drainWaiters = nil
}

// syncCache drains and flushes on behalf of the fake work unit h, releasing it at the end.
func (v *Volume) syncCache(h wuHandle) error {
	defer func() {
		v.mu.Lock()
		v.pool.releaseWU(h)
		v.mu.Unlock()
	}()

	if err := v.drain(v.cfg.SyncTimeout); err != nil {
		return err
	}
	return v.flushChunks()
}

// flushChunks flushes every chunk device still in service. A chunk whose
// flush fails is taken offline.
func (v *Volume) flushChunks() error {
	type target struct {
		id  int
		dev backend.BlockDevice
	}
	var targets []target
	v.mu.Lock()
	for _, c := range v.chunks {
		if c.dev != nil && c.state != ChunkOffline && c.state != ChunkHotSpare {
			targets = append(targets, target{c.id, c.dev})
		}
	}
	v.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if err := t.dev.Flush(); err != nil {
			glog.Warningf("%s: flush chunk %d (%s): %v", v.name, t.id, t.dev.Name(), err)
			errs = append(errs, err)
			v.mu.Lock()
			v.setChunkStateLocked(t.id, ChunkOffline)
			v.mu.Unlock()
		}
	}
	if len(errs) > 0 && len(errs) == len(targets) {
		return fmt.Errorf("%w: flush failed on every chunk: %w", ErrIO, errors.Join(errs...))
	}
	return nil
}
