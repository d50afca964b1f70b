package softraid

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/softraid/sr/stats"
)

// Op is an upstream command kind.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpSyncCache
	OpTestUnitReady
	OpStartStop
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSyncCache:
		return "sync"
	case OpTestUnitReady:
		return "tur"
	case OpStartStop:
		return "start-stop"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Xfer is one upstream command. Blk and Data describe the transfer for
// reads and writes; Data is the read destination or the write source and
// must not be touched until Done runs. Start is the StartStop argument.
type Xfer struct {
	Op    Op
	Blk   uint64
	Data  []byte
	Start bool

	// Done is called once with Err set when an accepted command completes.
	Done func(x *Xfer)
	Err  error
}

// Submit accepts a command. An error return means the command was refused and
// Done will not be called: ErrTryAgain when no work unit is free, ErrNotReady
// when stopped, ErrIllegalRequest for a bad range, ErrVolumeOffline or
// ErrVolumeClosed. TestUnitReady and StartStop complete before Submit returns.
func (v *Volume) Submit(x *Xfer) error {
	if x.Done == nil {
		return fmt.Errorf("%w: %s without completion", ErrIllegalRequest, x.Op)
	}

	v.mu.Lock()
	if err := v.admitLocked(x.Op); err != nil {
		v.mu.Unlock()
		return err
	}

	switch x.Op {
	case OpTestUnitReady:
		v.mu.Unlock()
		x.Err = nil
		x.Done(x)
		return nil

	case OpStartStop:
		v.stopped = !x.Start
		v.mu.Unlock()
		glog.V(0).Infof("%s: start/stop unit, started=%v", v.name, x.Start)
		x.Err = nil
		x.Done(x)
		return nil

	case OpSyncCache:
		h, ok := v.pool.acquireWU(true)
		if !ok {
			v.mu.Unlock()
			return ErrTryAgain
		}
		v.mu.Unlock()
		go func() {
			start := time.Now()
			x.Err = v.syncCache(h)
			v.observe(OpSyncCache, start, x.Err)
			x.Done(x)
		}()
		return nil

	case OpRead, OpWrite:
		if err := ValidateRange(x.Blk, len(x.Data), v.size); err != nil {
			v.mu.Unlock()
			return err
		}
		h, ok := v.pool.acquireWU(false)
		if !ok {
			v.mu.Unlock()
			glog.V(2).Infof("%s: no free work unit for %s at %d", v.name, x.Op, x.Blk)
			return ErrTryAgain
		}
		v.seq++
		w := v.pool.wu(h)
		w.seq = v.seq
		w.op = x.Op
		w.blkStart = x.Blk
		w.blkEnd = x.Blk + uint64(len(x.Data)/BlockSize)
		w.xfer = x
		w.started = time.Now()
		v.pending = append(v.pending, h)
		stats.VolumeInFlightGauge.WithLabelValues(v.name).Set(float64(v.pool.inFlight))

		actions := v.schedule(h)
		v.mu.Unlock()
		runActions(actions)
		return nil
	}

	v.mu.Unlock()
	return fmt.Errorf("%w: unknown op %s", ErrIllegalRequest, x.Op)
}

func (v *Volume) admitLocked(op Op) error {
	switch {
	case v.closed:
		return ErrVolumeClosed
	case v.halted != nil:
		return v.halted
	case op == OpStartStop:
		return nil
	case v.stopped:
		return ErrNotReady
	case !v.state.serviceable():
		return fmt.Errorf("%w: %s is %s", ErrVolumeOffline, v.name, v.state)
	}
	return nil
}

func runActions(actions []func()) {
	for _, a := range actions {
		a()
	}
}

func (v *Volume) observe(op Op, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	stats.VolumeRequestCounter.WithLabelValues(v.name, op.String(), result).Inc()
	stats.VolumeRequestHistogram.WithLabelValues(v.name, op.String()).Observe(time.Since(start).Seconds())
}

// do submits x and waits for its completion.
func (v *Volume) do(x *Xfer) error {
	done := make(chan struct{})
	x.Done = func(*Xfer) { close(done) }
	if err := v.Submit(x); err != nil {
		return err
	}
	<-done
	return x.Err
}

// Read fills buf, a whole number of blocks, starting at volume block blk.
func (v *Volume) Read(blk uint64, buf []byte) error {
	return v.do(&Xfer{Op: OpRead, Blk: blk, Data: buf})
}

// Write stores data, a whole number of blocks, starting at volume block blk.
func (v *Volume) Write(blk uint64, data []byte) error {
	return v.do(&Xfer{Op: OpWrite, Blk: blk, Data: data})
}

// SyncCache waits for every in-flight work unit and flushes the chunk devices.
func (v *Volume) SyncCache() error {
	return v.do(&Xfer{Op: OpSyncCache})
}

func (v *Volume) TestUnitReady() error {
	return v.do(&Xfer{Op: OpTestUnitReady})
}

func (v *Volume) StartStop(start bool) error {
	return v.do(&Xfer{Op: OpStartStop, Start: start})
}
