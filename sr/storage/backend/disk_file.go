package backend

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

var (
	_ BlockDevice = &DiskFile{}
)

// DiskFile is a BlockDevice backed by a regular file or a raw disk node.
// Every submitted I/O runs on its own goroutine.
type DiskFile struct {
	File         *os.File
	fullFilePath string
	blocks       uint64
	closed       atomic.Bool
	inflight     sync.WaitGroup
}

func NewDiskFile(f *os.File) (*DiskFile, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("backend: stat %s: %w", f.Name(), err)
	}
	return &DiskFile{
		fullFilePath: f.Name(),
		File:         f,
		blocks:       uint64(stat.Size()) / BlockSize,
	}, nil
}

// OpenDiskFile opens an existing chunk file for read/write.
func OpenDiskFile(path string) (*DiskFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	df, err := NewDiskFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return df, nil
}

// CreateDiskFile creates a sparse chunk file of sizeBytes, rounded down to whole blocks.
func CreateDiskFile(path string, sizeBytes uint64) (*DiskFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("backend: create %s: %w", path, err)
	}
	sizeBytes -= sizeBytes % BlockSize
	if err := f.Truncate(int64(sizeBytes)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("backend: truncate %s: %w", path, err)
	}
	return &DiskFile{
		fullFilePath: path,
		File:         f,
		blocks:       sizeBytes / BlockSize,
	}, nil
}

func (df *DiskFile) Submit(blkno uint64, dir Direction, buf []byte, done IoDone) {
	if df.closed.Load() {
		go done(ErrDeviceClosed)
		return
	}
	if err := checkRequest(df.blocks, blkno, buf); err != nil {
		go done(err)
		return
	}
	df.inflight.Add(1)
	go func() {
		defer df.inflight.Done()
		off := int64(blkno) * BlockSize
		var err error
		if dir == DirWrite {
			_, err = df.File.WriteAt(buf, off)
		} else {
			_, err = df.File.ReadAt(buf, off)
		}
		if err != nil {
			err = fmt.Errorf("backend: %s %s at blk %d: %w", df.fullFilePath, dir, blkno, err)
		}
		done(err)
	}()
}

func (df *DiskFile) Size() uint64 {
	return df.blocks
}

func (df *DiskFile) Name() string {
	return df.fullFilePath
}

func (df *DiskFile) Flush() error {
	if df.closed.Load() {
		return ErrDeviceClosed
	}
	return df.File.Sync()
}

// Close waits for submitted I/O to complete and closes the file.
func (df *DiskFile) Close() error {
	if df.closed.Swap(true) {
		return nil
	}
	df.inflight.Wait()
	return df.File.Close()
}
