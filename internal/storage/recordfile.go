package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/kjk/common/siser"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

const (
	headerName    = "swmr.header"
	formatName    = "swmr-records"
	formatVersion = "1"
)

// Record is one appended payload.
type Record struct {
	Name string
	Time time.Time
	Data []byte
}

// RecordFileOption configures a RecordFile backend.
type RecordFileOption func(*RecordFile)

// WithCompression sets the payload codec of files created by the backend.
// Opened files always use the codec recorded in their header.
func WithCompression(c Compression) RecordFileOption {
	return func(b *RecordFile) { b.compression = c }
}

// WithChunkRecords makes write handles flush automatically after n
// appended records. Zero disables automatic flushing.
func WithChunkRecords(n int) RecordFileOption {
	return func(b *RecordFile) { b.chunkRecords = n }
}

// RecordFile is an append-only record store framed with siser. A write
// handle holds an exclusive flock on the data file until it switches to
// concurrent-read mode, when it downgrades to a shared lock. Read handles
// take a shared lock, so they cannot open a file held exclusively.
type RecordFile struct {
	compression  Compression
	chunkRecords int
}

// NewRecordFile creates a RecordFile backend.
func NewRecordFile(opts ...RecordFileOption) *RecordFile {
	b := &RecordFile{compression: CompressionNone}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Backend = (*RecordFile)(nil)

// Create implements Backend.
func (b *RecordFile) Create(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.NewStorageError("create", err).WithPath(path)
	}
	if err := tryLock(f, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, lockError("create", path, err)
	}
	// Truncate only once the lock proves nobody else has the file open.
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, errors.NewStorageError("create", err).WithPath(path)
	}

	c, err := newCodec(b.compression)
	if err != nil {
		f.Close()
		return nil, errors.NewStorageError("create", err).WithPath(path)
	}

	h := &RecordHandle{
		path:         path,
		mode:         ModeWrite,
		f:            f,
		codec:        c,
		compression:  b.compression,
		chunkRecords: b.chunkRecords,
	}
	h.initWriter(0)
	if err := h.writeHeader(); err != nil {
		h.Close()
		return nil, err
	}
	if err := h.Flush(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Open implements Backend.
func (b *RecordFile) Open(path string, mode Mode) (Handle, error) {
	flag, how := os.O_RDONLY, unix.LOCK_SH
	if mode == ModeWrite {
		flag, how = os.O_RDWR, unix.LOCK_EX
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.NewStorageError("open", err).WithPath(path)
	}
	if err := tryLock(f, how); err != nil {
		f.Close()
		return nil, lockError("open", path, err)
	}

	h := &RecordHandle{
		path:         path,
		mode:         mode,
		f:            f,
		chunkRecords: b.chunkRecords,
	}
	if err := h.readAvailable(); err != nil {
		h.Close()
		return nil, err
	}
	if h.codec == nil {
		h.Close()
		return nil, errors.NewStorageError("open", fmt.Errorf("missing %s record", headerName)).WithPath(path)
	}
	if mode == ModeWrite {
		// Drop a torn trailing record left by a writer that died mid-flush.
		if err := f.Truncate(h.offset); err != nil {
			h.Close()
			return nil, errors.NewStorageError("open", err).WithPath(path)
		}
		h.initWriter(h.offset)
	}
	return h, nil
}

// Rename implements Backend.
func (b *RecordFile) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.NewStorageError("rename", err).WithPath(oldPath)
	}
	return nil
}

// ClassifyError implements Backend.
func (b *RecordFile) ClassifyError(err error) ErrorClass {
	return ClassifyTransient(err)
}

func tryLock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err != unix.EINTR {
			return err
		}
	}
}

func lockError(op, path string, err error) error {
	if err == unix.EWOULDBLOCK {
		return errors.NewStorageError(op, errors.ErrTransientLock).WithPath(path).WithTransient(true)
	}
	return errors.NewStorageError(op, err).WithPath(path)
}

// RecordHandle is an open RecordFile.
type RecordHandle struct {
	mu sync.Mutex

	path         string
	mode         Mode
	f            *os.File
	codec        codec
	compression  Compression
	chunkRecords int
	concurrent   bool

	// write side: appended records collect in pending and reach the file
	// at writeAt only on flush, so readers never see an unflushed record.
	pending  bytes.Buffer
	writeAt  int64
	sw       *siser.Writer
	unsynced int

	// read side: offset is the end of the last complete record read.
	offset  int64
	records []Record
}

var _ Handle = (*RecordHandle)(nil)

// Path returns the data file path.
func (h *RecordHandle) Path() string { return h.path }

// Mode returns the access mode of the handle.
func (h *RecordHandle) Mode() Mode { return h.mode }

// Compression returns the payload codec of the file.
func (h *RecordHandle) Compression() Compression { return h.compression }

func (h *RecordHandle) initWriter(at int64) {
	h.writeAt = at
	h.pending.Reset()
	h.sw = siser.NewWriter(&h.pending)
}

func (h *RecordHandle) writeHeader() error {
	var rec siser.Record
	if err := rec.Write("format", formatName, "version", formatVersion, "compression", string(h.compression)); err != nil {
		return errors.NewStorageError("create", err).WithPath(h.path)
	}
	if _, err := h.sw.Write(rec.Marshal(), time.Now(), headerName); err != nil {
		return errors.NewStorageError("create", err).WithPath(h.path)
	}
	return nil
}

// Append adds a record. It is buffered until the next Flush.
func (h *RecordHandle) Append(name string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return errors.NewStorageError("append", errors.ErrClientClosed).WithPath(h.path)
	}
	if h.mode != ModeWrite {
		return errors.NewStorageError("append", errors.ErrNotSupported).WithPath(h.path)
	}
	if name == headerName {
		return errors.NewStorageError("append", fmt.Errorf("record name %q is reserved", name)).WithPath(h.path)
	}

	payload, err := h.codec.encode(data)
	if err != nil {
		return errors.NewStorageError("append", err).WithPath(h.path)
	}
	if _, err := h.sw.Write(payload, time.Now(), name); err != nil {
		return errors.NewStorageError("append", err).WithPath(h.path)
	}
	h.unsynced++

	if h.chunkRecords > 0 && h.unsynced >= h.chunkRecords {
		return h.flushLocked()
	}
	return nil
}

// Flush implements Handle. It is a no-op on read handles.
func (h *RecordHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return errors.NewStorageError("flush", errors.ErrClientClosed).WithPath(h.path)
	}
	if h.mode != ModeWrite {
		return nil
	}
	return h.flushLocked()
}

func (h *RecordHandle) flushLocked() error {
	if h.pending.Len() > 0 {
		n, err := h.f.WriteAt(h.pending.Bytes(), h.writeAt)
		h.writeAt += int64(n)
		h.pending.Next(n)
		if err != nil {
			return errors.NewStorageError("flush", err).WithPath(h.path)
		}
	}
	if err := h.f.Sync(); err != nil {
		return errors.NewStorageError("flush", err).WithPath(h.path)
	}
	h.unsynced = 0
	return nil
}

// EnableConcurrentRead implements Handle. It flushes, then downgrades the
// exclusive lock so readers can open the file.
func (h *RecordHandle) EnableConcurrentRead() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return errors.NewStorageError("enable concurrent read", errors.ErrClientClosed).WithPath(h.path)
	}
	if h.mode != ModeWrite {
		return errors.NewStorageError("enable concurrent read", errors.ErrNotSupported).WithPath(h.path)
	}
	if h.concurrent {
		return errors.NewStorageError("enable concurrent read", errors.ErrInvalidStateTransition).WithPath(h.path)
	}
	if err := h.flushLocked(); err != nil {
		return err
	}
	if err := tryLock(h.f, unix.LOCK_SH); err != nil {
		return lockError("enable concurrent read", h.path, err)
	}
	h.concurrent = true
	return nil
}

// ConcurrentRead reports whether the handle is in concurrent-read mode.
func (h *RecordHandle) ConcurrentRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.concurrent
}

// Refresh implements Handle. A read handle picks up every complete record
// appended since the last refresh; a partially written trailing record is
// left for the next refresh. It is a no-op on write handles.
func (h *RecordHandle) Refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return errors.NewStorageError("refresh", errors.ErrClientClosed).WithPath(h.path)
	}
	if h.mode != ModeRead {
		return nil
	}
	return h.readAvailableLocked()
}

func (h *RecordHandle) readAvailable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readAvailableLocked()
}

func (h *RecordHandle) readAvailableLocked() error {
	section := io.NewSectionReader(h.f, h.offset, math.MaxInt64-h.offset)
	r := siser.NewReader(bufio.NewReader(section))

	for r.ReadNextData() {
		if r.Name == headerName {
			if err := h.readHeader(r.Data); err != nil {
				return err
			}
		} else {
			if h.codec == nil {
				return errors.NewStorageError("read", fmt.Errorf("record before %s", headerName)).WithPath(h.path)
			}
			data, err := h.codec.decode(r.Data)
			if err != nil {
				return errors.NewStorageError("read", err).WithPath(h.path)
			}
			h.records = append(h.records, Record{
				Name: r.Name,
				Time: r.Timestamp,
				Data: append([]byte(nil), data...),
			})
		}
		h.offset += r.NextRecordPos - r.CurrRecordPos
	}

	if err := r.Err(); err != nil && !isPartialRecord(err) {
		return errors.NewStorageError("read", err).WithPath(h.path)
	}
	return nil
}

// isPartialRecord reports whether err is the reader running into the end
// of a record the writer has not finished flushing.
func isPartialRecord(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func (h *RecordHandle) readHeader(d []byte) error {
	rec, err := siser.UnmarshalRecord(d, nil)
	if err != nil {
		return errors.NewStorageError("read header", err).WithPath(h.path)
	}
	if format, _ := rec.Get("format"); format != formatName {
		return errors.NewStorageError("read header", fmt.Errorf("unknown format %q", format)).WithPath(h.path)
	}
	name, _ := rec.Get("compression")
	c, err := ParseCompression(name)
	if err != nil {
		return errors.NewStorageError("read header", err).WithPath(h.path)
	}
	cd, err := newCodec(c)
	if err != nil {
		return errors.NewStorageError("read header", err).WithPath(h.path)
	}
	if h.codec != nil {
		h.codec.close()
	}
	h.codec = cd
	h.compression = c
	return nil
}

// Len returns the number of records read so far.
func (h *RecordHandle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Records returns the records read so far starting at index from.
func (h *RecordHandle) Records(from int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if from < 0 {
		from = 0
	}
	if from >= len(h.records) {
		return nil
	}
	return append([]Record(nil), h.records[from:]...)
}

// Close implements Handle. A write handle flushes first. Close is idempotent.
func (h *RecordHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return nil
	}

	var errs []error
	if h.mode == ModeWrite && h.sw != nil {
		if err := h.flushLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.codec != nil {
		h.codec.close()
	}
	// Closing the descriptor releases the flock.
	if err := h.f.Close(); err != nil {
		errs = append(errs, errors.NewStorageError("close", err).WithPath(h.path))
	}
	h.f = nil
	return errors.Join(errs...)
}
