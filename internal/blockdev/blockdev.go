// Package blockdev implements minios's block device collaborator:
// asynchronous read_block/write_block whose completion is delivered
// on a channel, the interrupt source internal/fsio's cache-lock shim
// rendezvouses with.
package blockdev

import (
	"os"
	"sync"

	"github.com/minios-project/minios/internal/coreerr"
)

// BlockSize is the fixed block size every Device speaks in.
const BlockSize = 4096

// Completion is the (blocknum, result) pair the block device
// interrupt carries.
type Completion struct {
	Block int
	Err   error
}

// Device is minios's asynchronous block store.
type Device interface {
	// ReadBlock issues an asynchronous read of blk into buf (which
	// must be at least BlockSize long); completion arrives on
	// Completions().
	ReadBlock(blk int, buf []byte)

	// WriteBlock issues an asynchronous write of buf (BlockSize
	// bytes) to blk; completion arrives on Completions().
	WriteBlock(blk int, buf []byte)

	// Completions delivers one entry per ReadBlock/WriteBlock call,
	// in the order the underlying medium finishes them.
	Completions() <-chan Completion

	BlockCount() int
	Close() error
}

// MemDevice is an in-memory Device, useful for tests and for
// cmd/minidemo runs that don't need persistence.
type MemDevice struct {
	mu      sync.Mutex
	blocks  [][]byte
	done    chan Completion
	closed  bool
}

// NewMemDevice allocates an in-memory device of the given block
// count, all blocks zeroed.
func NewMemDevice(blockCount int) *MemDevice {
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemDevice{blocks: blocks, done: make(chan Completion, 64)}
}

func (d *MemDevice) BlockCount() int { return len(d.blocks) }

func (d *MemDevice) ReadBlock(blk int, buf []byte) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		if blk < 0 || blk >= len(d.blocks) {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", "block out of range")}
			return
		}
		copy(buf, d.blocks[blk])
		d.done <- Completion{Block: blk}
	}()
}

func (d *MemDevice) WriteBlock(blk int, buf []byte) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		if blk < 0 || blk >= len(d.blocks) {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", "block out of range")}
			return
		}
		copy(d.blocks[blk], buf)
		d.done <- Completion{Block: blk}
	}()
}

func (d *MemDevice) Completions() <-chan Completion { return d.done }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// FileDevice is a Device backed by a regular file, one BlockSize
// record per block, for cmd/mkfs and cmd/minidemo runs that want
// persistence across process restarts.
type FileDevice struct {
	mu     sync.Mutex
	f      *os.File
	count  int
	done   chan Completion
	closed bool
}

// OpenFileDevice opens (creating if necessary) a block file at path
// sized for blockCount blocks.
func OpenFileDevice(path string, blockCount int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, coreerr.New(coreerr.InvalidArgument, "blockdev", err.Error())
	}
	size := int64(blockCount) * BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, coreerr.New(coreerr.InvalidArgument, "blockdev", err.Error())
	}
	return &FileDevice{f: f, count: blockCount, done: make(chan Completion, 64)}, nil
}

func (d *FileDevice) BlockCount() int { return d.count }

func (d *FileDevice) ReadBlock(blk int, buf []byte) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		if blk < 0 || blk >= d.count {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", "block out of range")}
			return
		}
		if _, err := d.f.ReadAt(buf[:BlockSize], int64(blk)*BlockSize); err != nil {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", err.Error())}
			return
		}
		d.done <- Completion{Block: blk}
	}()
}

func (d *FileDevice) WriteBlock(blk int, buf []byte) {
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		if blk < 0 || blk >= d.count {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", "block out of range")}
			return
		}
		if _, err := d.f.WriteAt(buf[:BlockSize], int64(blk)*BlockSize); err != nil {
			d.done <- Completion{Block: blk, Err: coreerr.New(coreerr.InvalidArgument, "blockdev", err.Error())}
			return
		}
		d.done <- Completion{Block: blk}
	}()
}

func (d *FileDevice) Completions() <-chan Completion { return d.done }

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
