package device

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when using a closed file handle.
var ErrClosed = errors.New("file already closed")

// A File is an open handle on a byte-addressed file. Reads and writes never
// change the length of the file: a read past the end is short and returns
// io.EOF, a write past the end is short and returns io.ErrShortWrite.
type File interface {
	Name() string

	// Inode identifies the underlying file. Handles opened on the same file
	// share it.
	Inode() uint64

	Length() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Reopen returns a new independent handle on the same file.
	Reopen() (File, error)

	Close() error
}

type inode struct {
	num  uint64
	name string

	mu   sync.Mutex
	data []byte

	openCnt int
	reads   atomic.Uint64
	writes  atomic.Uint64
}

// A FileSystem is a flat namespace of in-memory files.
type FileSystem struct {
	mu      sync.Mutex
	files   map[string]*inode
	nextIno uint64

	yielder Yielder
	latency int
}

// NewFileSystem creates an empty file system.
func NewFileSystem() *FileSystem {
	return &FileSystem{files: make(map[string]*inode)}
}

// WithLatency makes every read and write yield the processor the given number
// of times.
func (fsys *FileSystem) WithLatency(y Yielder, yields int) *FileSystem {
	fsys.yielder = y
	fsys.latency = yields

	return fsys
}

// Create creates a file holding data, replacing any file with the same name,
// and opens it.
func (fsys *FileSystem) Create(name string, data []byte) (File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	fsys.nextIno++
	ino := &inode{
		num:  fsys.nextIno,
		name: name,
		data: append([]byte(nil), data...),
	}
	fsys.files[name] = ino

	return fsys.openLocked(ino), nil
}

// Open opens the named file.
func (fsys *FileSystem) Open(name string) (File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	ino, ok := fsys.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	return fsys.openLocked(ino), nil
}

// Contents returns a copy of the content of the named file.
func (fsys *FileSystem) Contents(name string) ([]byte, error) {
	fsys.mu.Lock()
	ino, ok := fsys.files[name]
	fsys.mu.Unlock()

	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}

	ino.mu.Lock()
	defer ino.mu.Unlock()

	return append([]byte(nil), ino.data...), nil
}

// A FileStat summarizes the use of a file.
type FileStat struct {
	Name    string
	Inode   uint64
	Length  int64
	Handles int
	Reads   uint64
	Writes  uint64
}

// Stat returns usage information of the named file.
func (fsys *FileSystem) Stat(name string) (FileStat, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	ino, ok := fsys.files[name]
	if !ok {
		return FileStat{},
			&fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}

	return fsys.statLocked(ino), nil
}

// List returns the usage information of every file, sorted by name.
func (fsys *FileSystem) List() []FileStat {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	stats := make([]FileStat, 0, len(fsys.files))
	for _, ino := range fsys.files {
		stats = append(stats, fsys.statLocked(ino))
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})

	return stats
}

func (fsys *FileSystem) statLocked(ino *inode) FileStat {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return FileStat{
		Name:    ino.name,
		Inode:   ino.num,
		Length:  int64(len(ino.data)),
		Handles: ino.openCnt,
		Reads:   ino.reads.Load(),
		Writes:  ino.writes.Load(),
	}
}

func (fsys *FileSystem) openLocked(ino *inode) *MemFile {
	ino.mu.Lock()
	ino.openCnt++
	ino.mu.Unlock()

	return &MemFile{fs: fsys, ino: ino}
}

// A MemFile is a handle on a file of a FileSystem.
type MemFile struct {
	fs     *FileSystem
	ino    *inode
	closed bool
}

// Name returns the name of the file.
func (f *MemFile) Name() string {
	return f.ino.name
}

// Inode returns the inode number of the file.
func (f *MemFile) Inode() uint64 {
	return f.ino.num
}

// Length returns the size of the file in bytes.
func (f *MemFile) Length() int64 {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()

	return int64(len(f.ino.data))
}

// ReadAt reads len(p) bytes at offset off.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d", f.ino.name, off)
	}

	f.wait()

	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()

	f.ino.reads.Add(1)

	if off >= int64(len(f.ino.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.ino.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes p at offset off. Bytes past the end of the file are not
// written.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d", f.ino.name, off)
	}

	f.wait()

	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()

	f.ino.writes.Add(1)

	if off >= int64(len(f.ino.data)) {
		return 0, io.ErrShortWrite
	}

	n := copy(f.ino.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// Reopen returns a new handle on the same file.
func (f *MemFile) Reopen() (File, error) {
	if f.closed {
		return nil, ErrClosed
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.fs.openLocked(f.ino), nil
}

// Close releases the handle.
func (f *MemFile) Close() error {
	if f.closed {
		return ErrClosed
	}

	f.closed = true

	f.ino.mu.Lock()
	f.ino.openCnt--
	f.ino.mu.Unlock()

	return nil
}

func (f *MemFile) wait() {
	if f.fs.yielder == nil {
		return
	}

	for i := 0; i < f.fs.latency; i++ {
		f.fs.yielder.Yield()
	}
}
