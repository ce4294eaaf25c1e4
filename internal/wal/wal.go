// Package wal is the write-ahead log of the storage engine. Every write
// batch is appended here before it reaches a memtable, and the logs that
// were not yet flushed are replayed on open.
//
// A log file is a 12-byte header (magic and version) followed by
// checksummed records; see Record for the record layout.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/ttlstore/internal/fs"
)

// Durability controls when appended records reach stable storage.
type Durability int

const (
	// DurabilityAsync leaves records in the OS page cache until the next
	// explicit Sync or Close.
	DurabilityAsync Durability = iota
	// DurabilitySync acknowledges an append only after its record was
	// fsynced. Concurrent appenders share fsync calls.
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityAsync:
		return "async"
	case DurabilitySync:
		return "sync"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

const (
	magic      = "TTLSWAL\x00"
	version    = 1
	headerSize = len(magic) + 4
)

var (
	ErrInvalidHeader       = errors.New("wal: invalid header")
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
)

// Options configures a log.
type Options struct {
	Durability Durability
}

// DefaultOptions syncs every append.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is an append-only log file. It is safe for concurrent use.
type WAL struct {
	fs   fs.FileSystem
	path string
	opts Options
	f    fs.File

	// mu guards the buffered writer and the append offset.
	mu      sync.Mutex
	w       *bufio.Writer
	written int64
	closed  bool

	// sync state, guarded by smu
	smu     sync.Mutex
	synced  int64
	syncErr error
	stopped bool
	cond    *sync.Cond

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func encodeHeader() []byte {
	b := make([]byte, headerSize)
	copy(b, magic)
	binary.LittleEndian.PutUint32(b[len(magic):], version)
	return b
}

func checkHeader(b []byte) error {
	if string(b[:len(magic)]) != magic {
		return fmt.Errorf("%w: magic %q", ErrInvalidHeader, b[:len(magic)])
	}
	if v := binary.LittleEndian.Uint32(b[len(magic):]); v != version {
		return fmt.Errorf("%w: %w: version %d", ErrInvalidHeader, ErrIncompatibleVersion, v)
	}
	return nil
}

// Open opens the log at path for appending, creating it with a fresh
// header when it does not exist. A nil fsys means the local file system.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	size, err := prepare(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal %s: %w", path, err)
	}

	l := &WAL{
		fs:      fsys,
		path:    path,
		opts:    opts,
		f:       f,
		w:       bufio.NewWriter(f),
		written: size,
		synced:  size,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.smu)
	if opts.Durability == DurabilitySync {
		go l.syncLoop()
	} else {
		close(l.done)
	}
	return l, nil
}

// prepare writes the header of an empty file or validates the header of an
// existing one and returns the append offset.
func prepare(f fs.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if size := info.Size(); size > 0 {
		if size < int64(headerSize) {
			return 0, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, size)
		}
		hdr := make([]byte, headerSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			return 0, err
		}
		return size, checkHeader(hdr)
	}
	if _, err := f.Write(encodeHeader()); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return int64(headerSize), nil
}

// syncLoop fsyncs whatever was appended since the previous round each time
// it is kicked. Waiters that arrived during a round are covered by the next.
func (l *WAL) syncLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.kick:
		case <-l.stop:
			l.syncTo(l.offset())
			l.smu.Lock()
			l.stopped = true
			l.cond.Broadcast()
			l.smu.Unlock()
			return
		}
		if !l.syncTo(l.offset()) {
			return
		}
	}
}

func (l *WAL) offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// syncTo fsyncs the file and marks everything up to target durable. It
// reports false once a sync failed; the error then sticks.
func (l *WAL) syncTo(target int64) bool {
	l.smu.Lock()
	if l.syncErr != nil {
		l.smu.Unlock()
		return false
	}
	if target <= l.synced {
		l.smu.Unlock()
		return true
	}
	l.smu.Unlock()

	err := l.f.Sync()

	l.smu.Lock()
	defer l.smu.Unlock()
	if err != nil {
		l.syncErr = fmt.Errorf("wal sync: %w", err)
		l.stopped = true
	} else {
		l.synced = max(l.synced, target)
	}
	l.cond.Broadcast()
	return err == nil
}

func (l *WAL) err() error {
	l.smu.Lock()
	defer l.smu.Unlock()
	return l.syncErr
}

// AppendAsync writes rec to the file without waiting for it to become
// durable and returns the offset just past the record. Pass the offset to
// WaitFor to wait for the fsync.
func (l *WAL) AppendAsync(rec *Record) (int64, error) {
	if err := l.err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, os.ErrClosed
	}
	n, err := rec.writeTo(l.w)
	if err == nil {
		err = l.w.Flush()
	}
	if err != nil {
		return 0, err
	}
	l.written += n
	if l.opts.Durability == DurabilitySync {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return l.written, nil
}

// Append writes rec and, with DurabilitySync, waits until it is durable.
func (l *WAL) Append(rec *Record) error {
	off, err := l.AppendAsync(rec)
	if err != nil {
		return err
	}
	if l.opts.Durability == DurabilitySync {
		return l.WaitFor(off)
	}
	return nil
}

// WaitFor blocks until the file is synced at least up to offset. It does
// not wait with DurabilityAsync.
func (l *WAL) WaitFor(offset int64) error {
	if l.opts.Durability == DurabilityAsync {
		return l.err()
	}
	l.smu.Lock()
	defer l.smu.Unlock()
	for l.synced < offset && l.syncErr == nil && !l.stopped {
		l.cond.Wait()
	}
	switch {
	case l.syncErr != nil:
		return l.syncErr
	case l.synced < offset:
		return os.ErrClosed
	}
	return nil
}

// Sync makes every record appended so far durable.
func (l *WAL) Sync() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return os.ErrClosed
	}
	err := l.w.Flush()
	target := l.written
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if l.opts.Durability == DurabilityAsync {
		l.syncTo(target)
		return l.err()
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return l.WaitFor(target)
}

// Size returns the number of bytes in the file, header included.
func (l *WAL) Size() int64 {
	return l.offset()
}

// Path returns the file path of the log.
func (l *WAL) Path() string { return l.path }

// Close syncs outstanding records and closes the file. Closing twice
// returns os.ErrClosed.
func (l *WAL) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return os.ErrClosed
	}
	l.closed = true
	flushErr := l.w.Flush()
	target := l.written
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	if l.opts.Durability == DurabilityAsync {
		l.syncTo(target)
	}
	return errors.Join(flushErr, l.err(), l.f.Close())
}

// Reader returns a reader over the records appended so far. The caller
// closes it.
func (l *WAL) Reader() (*Reader, error) {
	l.mu.Lock()
	err := l.w.Flush()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return OpenReader(l.fs, l.path)
}

// Reader replays the records of a log file in append order.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// OpenReader opens the log at path for replay. The header is validated
// before the first record is read.
func OpenReader(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal %s: read header: %w", path, err)
	}
	if err := checkHeader(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: r, offset: int64(headerSize)}, nil
}

// Next returns the next record, or io.EOF at the clean end of the log.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the end of the last record read successfully.
func (r *Reader) Offset() int64 { return r.offset }

func (r *Reader) Close() error { return r.f.Close() }
