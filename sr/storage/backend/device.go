package backend

import (
	"errors"
	"fmt"
)

// BlockSize is the addressing unit of every BlockDevice.
const BlockSize = 512

// Direction of a block I/O.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

var (
	ErrOutOfRange   = errors.New("backend: block range out of device bounds")
	ErrAlignment    = errors.New("backend: buffer length not a multiple of the block size")
	ErrDeviceClosed = errors.New("backend: device closed")
	ErrInjected     = errors.New("backend: injected I/O failure")
)

// IoDone is invoked exactly once per submitted I/O, from the completing goroutine.
type IoDone func(err error)

// BlockDevice is the downstream block layer a chunk is backed by.
//
// Submit never blocks on the I/O itself: the transfer of len(buf) bytes
// at blkno runs asynchronously and done reports the outcome.
type BlockDevice interface {
	Name() string
	// Size returns the device capacity in blocks.
	Size() uint64
	Submit(blkno uint64, dir Direction, buf []byte, done IoDone)
	// Flush makes completed writes durable.
	Flush() error
}

func checkRequest(size, blkno uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrAlignment, len(buf))
	}
	n := uint64(len(buf) / BlockSize)
	if blkno >= size || n > size-blkno {
		return fmt.Errorf("%w: blk %d + %d, size %d", ErrOutOfRange, blkno, n, size)
	}
	return nil
}

// SubmitWait issues one I/O and waits for its completion.
func SubmitWait(dev BlockDevice, blkno uint64, dir Direction, buf []byte) error {
	ch := make(chan error, 1)
	dev.Submit(blkno, dir, buf, func(err error) {
		ch <- err
	})
	return <-ch
}
