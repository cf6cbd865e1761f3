package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// --- Error Definitions ---

var (
	ErrIO        = errors.New("i/o error")
	ErrBlockSize = errors.New("buffer length does not match block size")
	ErrClosed    = errors.New("disk is closed")
)

// FileDisk stores device n in <dir>/dev-<n>.img, block b at offset
// b*blockSize. Image files are created on first use; reading past the end
// of an image yields zeros.
type FileDisk struct {
	dir       string
	blockSize int
	limiter   *rate.Limiter // nil means unthrottled
	logger    *zap.Logger

	mu     sync.Mutex
	files  map[uint32]*os.File
	closed bool
}

// FileDiskOption configures a FileDisk.
type FileDiskOption func(*FileDisk)

// WithBandwidth caps transfers at bytesPerSec, emulating a slow disk.
// Zero or negative leaves the disk unthrottled.
func WithBandwidth(bytesPerSec int64) FileDiskOption {
	return func(d *FileDisk) {
		if bytesPerSec <= 0 {
			d.limiter = nil
			return
		}
		burst := int(bytesPerSec)
		if burst < d.blockSize {
			burst = d.blockSize // WaitN rejects requests larger than the burst
		}
		d.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// WithDiskLogger sets the logger.
func WithDiskLogger(l *zap.Logger) FileDiskOption {
	return func(d *FileDisk) { d.logger = l }
}

// NewFileDisk creates dir if needed and returns a disk rooted there.
func NewFileDisk(dir string, blockSize int, opts ...FileDiskOption) (*FileDisk, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create disk directory %s: %w", dir, err)
	}
	d := &FileDisk{
		dir:       dir,
		blockSize: blockSize,
		logger:    zap.NewNop(),
		files:     make(map[uint32]*os.File),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ImagePath returns the image file path for dev.
func (d *FileDisk) ImagePath(dev uint32) string {
	return filepath.Join(d.dir, fmt.Sprintf("dev-%d.img", dev))
}

func (d *FileDisk) file(dev uint32) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if f, ok := d.files[dev]; ok {
		return f, nil
	}
	path := d.ImagePath(dev)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening image %s: %v", ErrIO, path, err)
	}
	d.files[dev] = f
	d.logger.Debug("Opened device image", zap.Uint32("dev", dev), zap.String("path", path))
	return f, nil
}

func (d *FileDisk) throttle(n int) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.WaitN(context.Background(), n)
}

// ReadBlock reads block blockno of dev into data.
func (d *FileDisk) ReadBlock(dev, blockno uint32, data []byte) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBlockSize, len(data), d.blockSize)
	}
	f, err := d.file(dev)
	if err != nil {
		return err
	}
	if err := d.throttle(len(data)); err != nil {
		return err
	}
	off := int64(blockno) * int64(d.blockSize)
	n, err := f.ReadAt(data, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading block %d of dev %d: %v", ErrIO, blockno, dev, err)
	}
	// Past the end of the image: the rest of the block was never written.
	clear(data[n:])
	return nil
}

// WriteBlock writes data as block blockno of dev.
func (d *FileDisk) WriteBlock(dev, blockno uint32, data []byte) error {
	if len(data) != d.blockSize {
		return fmt.Errorf("%w: got %d bytes, block size is %d", ErrBlockSize, len(data), d.blockSize)
	}
	f, err := d.file(dev)
	if err != nil {
		return err
	}
	if err := d.throttle(len(data)); err != nil {
		return err
	}
	off := int64(blockno) * int64(d.blockSize)
	if _, err := f.WriteAt(data, off); err != nil {
		return fmt.Errorf("%w: writing block %d of dev %d: %v", ErrIO, blockno, dev, err)
	}
	return nil
}

// Sync flushes every open image to stable storage.
func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for dev, f := range d.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: syncing dev %d: %v", ErrIO, dev, err)
		}
	}
	return firstErr
}

// Close syncs and closes every image. Later transfers fail with ErrClosed.
func (d *FileDisk) Close() error {
	firstErr := d.Sync()
	d.mu.Lock()
	defer d.mu.Unlock()
	for dev, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing dev %d: %v", ErrIO, dev, err)
		}
	}
	d.files = map[uint32]*os.File{}
	d.closed = true
	return firstErr
}
