package backend

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

var (
	_ BlockDevice = &MemoryDevice{}
)

type memBlock struct {
	blkno uint64
	data  [BlockSize]byte
}

func memBlockLess(a, b *memBlock) bool {
	return a.blkno < b.blkno
}

// MemoryDevice is a sparse in-memory BlockDevice. Unwritten blocks read as
// zeros. Completions can be held back and failures injected, which is what
// the engine tests use it for.
type MemoryDevice struct {
	name   string
	blocks uint64

	mu         sync.Mutex
	tree       *btree.BTreeG[*memBlock]
	failReads  bool
	failWrites bool
	held       bool
	queued     []func()

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemoryDevice(name string, blocks uint64) *MemoryDevice {
	return &MemoryDevice{
		name:   name,
		blocks: blocks,
		tree:   btree.NewG[*memBlock](16, memBlockLess),
	}
}

func (m *MemoryDevice) Name() string { return m.name }
func (m *MemoryDevice) Size() uint64 { return m.blocks }
func (m *MemoryDevice) Flush() error { return nil }

func (m *MemoryDevice) Submit(blkno uint64, dir Direction, buf []byte, done IoDone) {
	if err := checkRequest(m.blocks, blkno, buf); err != nil {
		go done(err)
		return
	}
	if dir == DirWrite {
		m.writes.Add(1)
	} else {
		m.reads.Add(1)
	}
	op := func() {
		done(m.apply(blkno, dir, buf))
	}

	m.mu.Lock()
	if m.held {
		m.queued = append(m.queued, op)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	go op()
}

func (m *MemoryDevice) apply(blkno uint64, dir Direction, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if (dir == DirWrite && m.failWrites) || (dir == DirRead && m.failReads) {
		return ErrInjected
	}
	if dir == DirWrite {
		m.store(blkno, buf)
	} else {
		m.load(blkno, buf)
	}
	return nil
}

func (m *MemoryDevice) store(blkno uint64, buf []byte) {
	for i := 0; i < len(buf)/BlockSize; i++ {
		b := &memBlock{blkno: blkno + uint64(i)}
		copy(b.data[:], buf[i*BlockSize:])
		m.tree.ReplaceOrInsert(b)
	}
}

func (m *MemoryDevice) load(blkno uint64, buf []byte) {
	for i := 0; i < len(buf)/BlockSize; i++ {
		dst := buf[i*BlockSize : (i+1)*BlockSize]
		if b, ok := m.tree.Get(&memBlock{blkno: blkno + uint64(i)}); ok {
			copy(dst, b.data[:])
		} else {
			clear(dst)
		}
	}
}

// Hold queues completions instead of running them until Release is called.
func (m *MemoryDevice) Hold() {
	m.mu.Lock()
	m.held = true
	m.mu.Unlock()
}

// Release stops holding and completes every queued I/O in submission order.
func (m *MemoryDevice) Release() {
	m.mu.Lock()
	m.held = false
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()
	go func() {
		for _, op := range queued {
			op()
		}
	}()
}

// Queued returns the number of I/Os waiting on Release.
func (m *MemoryDevice) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

func (m *MemoryDevice) SetFailReads(fail bool) {
	m.mu.Lock()
	m.failReads = fail
	m.mu.Unlock()
}

func (m *MemoryDevice) SetFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

// Reads and Writes count submitted I/Os.
func (m *MemoryDevice) Reads() int64  { return m.reads.Load() }
func (m *MemoryDevice) Writes() int64 { return m.writes.Load() }

// Peek copies raw device contents at blkno into buf, bypassing fault injection.
func (m *MemoryDevice) Peek(blkno uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(blkno, buf)
}

// Poke overwrites raw device contents at blkno.
func (m *MemoryDevice) Poke(blkno uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(blkno, buf)
}
