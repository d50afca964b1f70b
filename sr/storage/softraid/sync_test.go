package softraid

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "drains_pending_writes", run: testSyncDrains},
		{name: "timeout", run: testSyncTimeout},
		{name: "concurrent_syncs", run: testSyncConcurrent},
		{name: "pool_exhausted", run: testSyncTryAgain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testSyncDrains(t *testing.T) {
	v, _, _ := createMirror(t, 2, testConfig())
	defer v.Close()

	rec := newXferRecorder()
	for i := 0; i < 16; i++ {
		require.NoError(t, v.Submit(rec.xfer(string(rune('a'+i)), OpWrite, uint64(i), pattern(1, byte(i)))))
	}
	require.NoError(t, v.SyncCache())
	assert.Equal(t, 0, v.Info().InFlight)
	rec.wait(t)
}

func testSyncTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SyncTimeout = 100 * time.Millisecond
	v, mems, _ := createMirror(t, 2, cfg)
	defer v.Close()

	mems[0].Hold()
	rec := newXferRecorder()
	require.NoError(t, v.Submit(rec.xfer("W", OpWrite, 0, pattern(1, 1))))

	start := time.Now()
	assert.ErrorIs(t, v.SyncCache(), ErrSyncTimeout)
	assert.GreaterOrEqual(t, time.Since(start), cfg.SyncTimeout)
	assert.Equal(t, 1, v.Info().InFlight, "timeout does not abort issued I/O")

	mems[0].Release()
	rec.wait(t)
	require.NoError(t, rec.errs["W"])
	require.NoError(t, v.SyncCache())
}

func testSyncConcurrent(t *testing.T) {
	v, mems, _ := createMirror(t, 2, testConfig())
	defer v.Close()

	mems[1].Hold()
	rec := newXferRecorder()
	require.NoError(t, v.Submit(rec.xfer("W", OpWrite, 0, pattern(2, 1))))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = v.SyncCache()
		}()
	}
	time.Sleep(20 * time.Millisecond)
	mems[1].Release()
	wg.Wait()
	rec.wait(t)
	for i, err := range errs {
		assert.NoError(t, err, "sync %d", i)
	}
	assert.Equal(t, 64, v.Info().FreeWUs)
}

func testSyncTryAgain(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWU = 1
	v, mems, _ := createMirror(t, 2, cfg)
	defer v.Close()

	mems[0].Hold()
	rec := newXferRecorder()
	require.NoError(t, v.Submit(rec.xfer("W", OpWrite, 0, pattern(1, 1))))
	assert.ErrorIs(t, v.Write(10, pattern(1, 2)), ErrTryAgain)
	assert.ErrorIs(t, v.SyncCache(), ErrTryAgain)
	assert.Equal(t, 0, v.Info().FreeWUs)

	mems[0].Release()
	rec.wait(t)
	require.NoError(t, v.Write(10, pattern(1, 2)))
}
