// Package fsseam is the single seam through which Bitmover touches a
// filesystem. Every component above it is written against the FS
// interface so tests can substitute an in-memory filesystem instead of
// the real OS.
package fsseam

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

// Kind classifies a file entry returned by the seam.
type Kind int

const (
	KindRegular Kind = iota
	KindOther
)

// Entry is an immutable snapshot of one filesystem object.
type Entry struct {
	Path  string
	Mtime time.Time
	Size  int64
	Kind  Kind
}

// ErrorKind tags every error the seam can return so callers can classify
// without inspecting error strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindPermission
	KindIO
	KindCrossDevice
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindPermission:
		return "Permission"
	case KindIO:
		return "IO"
	case KindCrossDevice:
		return "CrossDevice"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying filesystem error with its classified kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fsseam: %s %s: %s (%s)", e.Op, e.Path, e.Err, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a classified NotFound error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsCrossDevice reports whether err is a classified CrossDevice error.
func IsCrossDevice(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCrossDevice
}

// DiskUsage reports used and total bytes for the filesystem containing
// path.
type DiskUsage struct {
	UsedBytes  uint64
	TotalBytes uint64
}

// FS is the capability set every pipeline component depends on instead
// of the OS directly.
type FS interface {
	ScanDir(dir string) ([]Entry, error)
	Lstat(path string) (Entry, error)
	Rename(src, dst string) error
	Unlink(path string) error
	OpenRead(path string) (io.ReadCloser, error)
	DiskUsage(path string) (DiskUsage, error)
	MkdirP(path string) error
	Exists(path string) bool
	// DeviceID returns an OS device identifier for path, used by the
	// supervisor to verify the staging directories share one filesystem.
	DeviceID(path string) (uint64, error)
}

// osSeam is the production implementation, backed by afero's OS
// filesystem for every method afero models, and gopsutil for disk usage
// (which afero has no concept of).
type osSeam struct {
	fs afero.Fs
}

// New returns the production FS seam, rooted at the real OS filesystem.
func New() FS {
	return &osSeam{fs: afero.NewOsFs()}
}

// NewMem returns an in-memory FS seam for tests.
func NewMem() FS {
	return &osSeam{fs: afero.NewMemMapFs()}
}

// NewMemWithSeed returns an in-memory FS seam alongside its underlying
// afero.Fs, so test code outside this package can seed files directly
// (the seam itself has no write/create method — nothing above it is
// meant to originate file content).
func NewMemWithSeed() (FS, afero.Fs) {
	mem := afero.NewMemMapFs()
	return &osSeam{fs: mem}, mem
}

func (s *osSeam) ScanDir(dir string) ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, classify("scan_dir", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, entryFromInfo(filepath.Join(dir, info.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *osSeam) Lstat(path string) (Entry, error) {
	lstater, ok := s.fs.(afero.Lstater)
	var info fs.FileInfo
	var err error
	if ok {
		info, _, err = lstater.LstatIfPossible(path)
	} else {
		info, err = s.fs.Stat(path)
	}
	if err != nil {
		return Entry{}, classify("lstat", path, err)
	}
	return entryFromInfo(path, info), nil
}

func (s *osSeam) Rename(src, dst string) error {
	if err := s.fs.Rename(src, dst); err != nil {
		return classify("rename", src, err)
	}
	return nil
}

func (s *osSeam) Unlink(path string) error {
	if err := s.fs.Remove(path); err != nil {
		return classify("unlink", path, err)
	}
	return nil
}

func (s *osSeam) OpenRead(path string) (io.ReadCloser, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, classify("open_read", path, err)
	}
	return f, nil
}

func (s *osSeam) DiskUsage(path string) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, &Error{Kind: KindIO, Op: "disk_usage", Path: path, Err: err}
	}
	return DiskUsage{UsedBytes: usage.Used, TotalBytes: usage.Total}, nil
}

func (s *osSeam) MkdirP(path string) error {
	if err := s.fs.MkdirAll(path, 0o750); err != nil {
		return classify("mkdir_p", path, err)
	}
	return nil
}

func (s *osSeam) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

func (s *osSeam) DeviceID(path string) (uint64, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, classify("device_id", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// Non-OS-backed filesystems (e.g. afero's MemMapFs in tests) have
		// no device concept; treat everything as one device.
		return 0, nil
	}
	return uint64(stat.Dev), nil
}

func entryFromInfo(path string, info fs.FileInfo) Entry {
	kind := KindOther
	if info.Mode().IsRegular() {
		kind = KindRegular
	}
	return Entry{Path: path, Mtime: info.ModTime(), Size: info.Size(), Kind: kind}
}

// classify maps an OS/afero error into one of the four kinds the rest of
// the system reasons about, following the same errors.As probing the
// teacher uses to detect EXDEV in its own move helper.
func classify(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
		return &Error{Kind: KindNotFound, Op: op, Path: path, Err: err}
	}
	if errors.Is(err, fs.ErrPermission) || os.IsPermission(err) {
		return &Error{Kind: KindPermission, Op: op, Path: path, Err: err}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == syscall.EXDEV {
		return &Error{Kind: KindCrossDevice, Op: op, Path: path, Err: err}
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		if errno, ok := linkErr.Err.(syscall.Errno); ok && errno == syscall.EXDEV {
			return &Error{Kind: KindCrossDevice, Op: op, Path: path, Err: err}
		}
	}
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}
