// Package blockdev implements the BlockDevice provider (spec §4.4): a
// block-addressable device accessed through page-aligned bounce buffers
// and a single worker goroutine that serializes every positioned I/O, so
// a data write and its metadata write always land in program order.
// Positioned reads/writes use golang.org/x/sys/unix.Pread/Pwrite, the
// same package the teacher pack's pkg/fs.Real uses for file I/O (see
// DESIGN.md).
package blockdev

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bittern-cache/pmem/internal/layout"
	"github.com/bittern-cache/pmem/internal/pmemformat"
	"github.com/bittern-cache/pmem/internal/provider"
	"github.com/bittern-cache/pmem/internal/reqctx"
	"github.com/bittern-cache/pmem/pkg/fs"
	"github.com/bittern-cache/pmem/pkg/pmemhash"
)

// queueDepth bounds how many in-flight requests may be queued to the
// worker before callers block submitting more.
const queueDepth = 256

// Provider implements provider.Provider over a block device fd, always
// using the Interleaved layout (spec §4.1).
type Provider struct {
	file fs.File
	fd   int
	geom layout.Geometry

	tasks chan func()
	done  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	// testFailAfterData, when set, runs on the worker goroutine right
	// after a data write's fdatasync and before its metadata write. It
	// exists so tests can simulate a crash landing exactly between the
	// two durability barriers of DataPutPageWrite (property P7) without
	// going through pkg/fs, which providers bypass for data/metadata I/O.
	// Nil in production.
	testFailAfterData func() error
}

var _ provider.Provider = (*Provider)(nil)

// Open opens path through fsys as an O_RDWR block device/file and starts
// the single worker goroutine. fsys is pkg/fs.NewReal() in production.
func Open(fsys fs.FS, path string, geom layout.Geometry) (*Provider, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	p := &Provider{
		file:   f,
		fd:     int(f.Fd()),
		geom:   geom,
		tasks:  make(chan func(), queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	go p.run()

	return p, nil
}

func (p *Provider) run() {
	defer close(p.done)

	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}

			t()
		case <-p.closed:
			return
		}
	}
}

func (p *Provider) submitSync(fn func() error) error {
	errCh := make(chan error, 1)

	select {
	case p.tasks <- func() { errCh <- fn() }:
	case <-p.closed:
		return provider.ErrClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-p.closed:
		return provider.ErrClosed
	}
}

func (p *Provider) submitAsync(fn func() error, cb provider.Callback) {
	select {
	case p.tasks <- func() { cb(fn()) }:
	case <-p.closed:
		cb(provider.ErrClosed)
	}
}

// CacheLayout implements provider.Provider.
func (p *Provider) CacheLayout() layout.Kind { return layout.Interleaved }

// PageSizeTransferOnly implements provider.Provider: every transfer moves
// a full page through a bounce buffer.
func (p *Provider) PageSizeTransferOnly() bool { return true }

// ReadSync implements provider.Provider.
func (p *Provider) ReadSync(_ context.Context, offset int64, buf []byte) error {
	return p.submitSync(func() error {
		n, err := unix.Pread(p.fd, buf, offset)
		if err != nil {
			return fmt.Errorf("blockdev: pread at %d: %w", offset, err)
		}

		if n != len(buf) {
			return fmt.Errorf("blockdev: short read at %d: got %d want %d", offset, n, len(buf))
		}

		return nil
	})
}

// WriteSync implements provider.Provider, with an fdatasync barrier
// before it returns (invariant I1).
func (p *Provider) WriteSync(_ context.Context, offset int64, buf []byte) error {
	return p.submitSync(func() error {
		if err := pwriteFull(p.fd, buf, offset); err != nil {
			return err
		}

		return fdatasync(p.fd)
	})
}

// MetadataAsyncWrite implements provider.Provider.
func (p *Provider) MetadataAsyncWrite(rc *reqctx.Context, block uint64, state pmemformat.State, done provider.Callback) {
	rc.Meta.BlockID = block
	rc.Meta.State = state

	off := p.geom.MetaOffset(block)
	buf := rc.Meta.Encode()

	p.submitAsync(func() error {
		return writeMetadataPage(p.fd, buf, off)
	}, done)
}

func writeMetadataPage(fd int, encoded []byte, off int64) error {
	padded := make([]byte, layout.Page)
	copy(padded, encoded)

	if err := pwriteFull(fd, padded, off); err != nil {
		return err
	}

	return fdatasync(fd)
}

// DataGetPageRead implements provider.Provider: reads block's data page
// into rc's bounce buffer (acquired at reqctx.Context.Setup time).
func (p *Provider) DataGetPageRead(rc *reqctx.Context, block uint64, done provider.Callback) {
	off := p.geom.DataOffset(block)

	p.submitAsync(func() error {
		buf := rc.PeekBounceForFill()

		n, err := unix.Pread(p.fd, buf, off)
		if err != nil {
			return fmt.Errorf("blockdev: pread data at %d: %w", off, err)
		}

		if n != len(buf) {
			return fmt.Errorf("blockdev: short data read at %d: got %d want %d", off, n, len(buf))
		}

		return nil
	}, func(err error) {
		if err == nil {
			rc.BindBounce(reqctx.BufferReadBoundBounce)
		}

		done(err)
	})
}

// DataPutPageRead implements provider.Provider.
func (p *Provider) DataPutPageRead(rc *reqctx.Context) {
	rc.Unbind()
}

// DataConvertReadToWrite implements provider.Provider: the same bounce
// buffer is reused in place for the write view.
func (p *Provider) DataConvertReadToWrite(rc *reqctx.Context) {
	rc.BindBounce(reqctx.BufferReadWriteBounce)
}

// DataCloneReadToWrite implements provider.Provider: copy src's bounce
// buffer contents into rc's own bounce buffer, leaving src unaffected.
func (p *Provider) DataCloneReadToWrite(rc *reqctx.Context, src *reqctx.Context, block uint64, done provider.Callback) {
	_ = block

	dst := rc.PeekBounceForFill()
	copy(dst, src.DataVaddr())
	rc.BindBounce(reqctx.BufferWriteBoundBounce)
	done(nil)
}

// DataGetPageWrite implements provider.Provider: binds rc's bounce buffer
// for a fresh write, without seeding it from the device.
func (p *Provider) DataGetPageWrite(rc *reqctx.Context, block uint64, done provider.Callback) {
	_ = block

	clear(rc.PeekBounceForFill())
	rc.BindBounce(reqctx.BufferWriteBoundBounce)
	done(nil)
}

// DataPutPageWrite implements provider.Provider: writes the bound bounce
// buffer to block's data offset, then its staged metadata record,
// sequentially through the single worker (property P7: data durable
// before metadata commits the state transition).
func (p *Provider) DataPutPageWrite(rc *reqctx.Context, state pmemformat.State, done provider.Callback) {
	block := rc.BlockID()
	dataOff := p.geom.DataOffset(block)
	buf := append([]byte(nil), rc.DataVaddr()...)

	rc.Meta.BlockID = block
	rc.Meta.State = state
	rc.Meta.HashData = pmemhash.Sum(buf)
	metaOff := p.geom.MetaOffset(block)
	metaBuf := rc.Meta.Encode()

	p.submitAsync(func() error {
		if err := pwriteFull(p.fd, buf, dataOff); err != nil {
			return err
		}

		if err := fdatasync(p.fd); err != nil {
			return err
		}

		if p.testFailAfterData != nil {
			if err := p.testFailAfterData(); err != nil {
				return err
			}
		}

		return writeMetadataPage(p.fd, metaBuf, metaOff)
	}, func(err error) {
		rc.Unbind()
		done(err)
	})
}

// Close stops the worker goroutine and closes the device fd.
func (p *Provider) Close() error {
	var closeErr error

	p.closeOnce.Do(func() {
		close(p.closed)
		<-p.done

		if err := p.file.Close(); err != nil {
			closeErr = fmt.Errorf("blockdev: close: %w", err)
		}
	})

	return closeErr
}

func pwriteFull(fd int, buf []byte, offset int64) error {
	n, err := unix.Pwrite(fd, buf, offset)
	if err != nil {
		return fmt.Errorf("blockdev: pwrite at %d: %w", offset, err)
	}

	if n != len(buf) {
		return fmt.Errorf("blockdev: short write at %d: got %d want %d", offset, n, len(buf))
	}

	return nil
}

func fdatasync(fd int) error {
	if err := unix.Fdatasync(fd); err != nil {
		return fmt.Errorf("blockdev: fdatasync: %w", err)
	}

	return nil
}
