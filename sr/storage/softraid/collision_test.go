package softraid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xferRecorder struct {
	mu    sync.Mutex
	order []string
	errs  map[string]error
	wg    sync.WaitGroup
}

func newXferRecorder() *xferRecorder {
	return &xferRecorder{errs: make(map[string]error)}
}

func (r *xferRecorder) xfer(name string, op Op, blk uint64, data []byte) *Xfer {
	r.wg.Add(1)
	return &Xfer{Op: op, Blk: blk, Data: data, Done: func(x *Xfer) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.errs[name] = x.Err
		r.mu.Unlock()
		r.wg.Done()
	}}
}

func (r *xferRecorder) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("commands did not complete, finished %v", r.order)
	}
}

func (r *xferRecorder) index(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

// checkOverlapInvariant fails when two overlapping pending work units are both in progress.
func checkOverlapInvariant(t *testing.T, v *Volume) (deferred int) {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, a := range v.pending {
		wa := v.pool.wu(a)
		if wa.state == wuDeferred {
			deferred++
		}
		for _, b := range v.pending[i+1:] {
			wb := v.pool.wu(b)
			if wa.overlaps(wb) && wa.state == wuInProgress && wb.state == wuInProgress {
				t.Fatalf("overlapping work units [%d,%d) and [%d,%d) both in progress", wa.blkStart, wa.blkEnd, wb.blkStart, wb.blkEnd)
			}
		}
	}
	return deferred
}

func TestCollisionSerializer(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "overlapping_writes_in_order", run: testCollisionWriteOrder},
		{name: "read_after_write", run: testCollisionReadAfterWrite},
		{name: "disjoint_not_deferred", run: testCollisionDisjoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testCollisionWriteOrder(t *testing.T) {
	v, mems, _ := createMirror(t, 2, testConfig())
	defer v.Close()
	for _, m := range mems {
		m.Hold()
	}

	rec := newXferRecorder()
	a, b, c, d := pattern(8, 0x10), pattern(8, 0x50), pattern(8, 0x90), pattern(4, 0xd0)
	require.NoError(t, v.Submit(rec.xfer("A", OpWrite, 0, a)))
	require.NoError(t, v.Submit(rec.xfer("B", OpWrite, 4, b)))
	require.NoError(t, v.Submit(rec.xfer("C", OpWrite, 8, c)))
	require.NoError(t, v.Submit(rec.xfer("D", OpWrite, 100, d)))

	assert.Equal(t, 2, checkOverlapInvariant(t, v))
	assert.Equal(t, 4, v.Info().InFlight)
	for _, m := range mems {
		assert.Equal(t, 2, m.Queued(), "only A and D reach %s", m.Name())
	}

	for _, m := range mems {
		m.Release()
	}
	rec.wait(t)
	for name, err := range rec.errs {
		assert.NoError(t, err, name)
	}
	assert.Less(t, rec.index("A"), rec.index("B"))
	assert.Less(t, rec.index("B"), rec.index("C"))
	assert.Equal(t, 0, checkOverlapInvariant(t, v))

	want := append(append(append([]byte(nil), a[:4*BlockSize]...), b[:4*BlockSize]...), c...)
	got := make([]byte, 16*BlockSize)
	require.NoError(t, v.Read(0, got))
	assert.Equal(t, want, got)
}

func testCollisionReadAfterWrite(t *testing.T) {
	v, mems, _ := createMirror(t, 2, testConfig())
	defer v.Close()
	require.NoError(t, v.Write(0, pattern(4, 0x01)))

	for _, m := range mems {
		m.Hold()
	}
	rec := newXferRecorder()
	data := pattern(4, 0x77)
	got := make([]byte, 2*BlockSize)
	require.NoError(t, v.Submit(rec.xfer("W", OpWrite, 0, data)))
	require.NoError(t, v.Submit(rec.xfer("R", OpRead, 2, got)))
	assert.Equal(t, 1, checkOverlapInvariant(t, v))

	for _, m := range mems {
		m.Release()
	}
	rec.wait(t)
	require.NoError(t, rec.errs["R"])
	assert.Equal(t, []string{"W", "R"}, rec.order)
	assert.Equal(t, data[2*BlockSize:], got)
}

func testCollisionDisjoint(t *testing.T) {
	v, mems, _ := createMirror(t, 2, testConfig())
	defer v.Close()
	for _, m := range mems {
		m.Hold()
	}

	rec := newXferRecorder()
	for i := 0; i < 8; i++ {
		require.NoError(t, v.Submit(rec.xfer(string(rune('a'+i)), OpWrite, uint64(i*4), pattern(4, byte(i)))))
	}
	assert.Equal(t, 0, checkOverlapInvariant(t, v))
	assert.Equal(t, 8, mems[0].Queued())

	for _, m := range mems {
		m.Release()
	}
	rec.wait(t)
	assert.Len(t, rec.order, 8)
}
