// Package archive provides read-only, path-restricted random access to the
// on-disk tick archive. It never writes, deletes, or renames, and refuses
// any path that does not canonically descend from its configured root.
package archive

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/metrics"
)

// Mode selects how ReadRange interprets the bytes it returns.
type Mode int

const (
	ModeBinary Mode = iota
	ModeText
)

// Kind classifies an archive entry for the Snapshot Extractor's dispatch.
type Kind string

const (
	KindDailyBars   Kind = "daily-bars"
	KindTickRecords Kind = "tick-records"
	KindOther       Kind = "other"
)

// Entry describes one file or directory within the archive.
type Entry struct {
	Name     string
	Path     string
	Size     int64
	Modified time.Time
	IsDir    bool
	Kind     Kind
}

// Reader is a read-only accessor scoped to Root.
type Reader struct {
	Root         string
	MaxReadBytes int64
}

// defaultMaxReadBytes is the cap applied when a Reader is constructed
// without an explicit MaxReadBytes (a few MB, per spec).
const defaultMaxReadBytes = 4 * 1024 * 1024

// NewReader builds a Reader rooted at root. root must already exist and be
// a directory; it is resolved to its canonical form once, up front.
func NewReader(root string, maxReadBytes int64) (*Reader, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "archive.NewReader", root, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "archive.NewReader", root, err)
	}
	if !fi.IsDir() {
		return nil, bridgeerr.New(bridgeerr.KindConfigInvalid, "archive.NewReader", root, "archive root is not a directory")
	}
	if maxReadBytes <= 0 {
		maxReadBytes = defaultMaxReadBytes
	}
	return &Reader{Root: resolved, MaxReadBytes: maxReadBytes}, nil
}

// resolve canonicalizes path (relative to Root) and verifies it is a strict
// descendant of Root, regardless of symlinks. No I/O beyond the
// canonicalization itself has happened when this returns an error.
func (r *Reader) resolve(op, path string) (string, error) {
	joined := filepath.Join(r.Root, path)
	cleaned := filepath.Clean(joined)

	// EvalSymlinks requires the path to exist; walk up to the first
	// existing ancestor so a not-yet-created file can still be checked
	// for directory escape before any open/stat is attempted on it.
	resolved, err := resolveExisting(cleaned)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindIOError, op, path, err)
	}

	if resolved != r.Root && !strings.HasPrefix(resolved, r.Root+string(os.PathSeparator)) {
		metrics.ArchivePathRejectionsTotal.Inc()
		return "", bridgeerr.New(bridgeerr.KindForbidden, op, path, "path escapes archive root")
	}
	return resolved, nil
}

func resolveExisting(path string) (string, error) {
	cur := path
	var suffix []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			full := resolved
			for i := len(suffix) - 1; i >= 0; i-- {
				full = filepath.Join(full, suffix[i])
			}
			return filepath.Clean(full), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

// List returns the immediate children of path.
func (r *Reader) List(path string) ([]Entry, error) {
	resolved, err := r.resolve("archive.List", path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, classifyIOErr("archive.List", path, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:     de.Name(),
			Path:     filepath.Join(path, de.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
			IsDir:    de.IsDir(),
			Kind:     classifyKind(de.Name()),
		})
	}
	return entries, nil
}

// Stat returns metadata for a single file or directory.
func (r *Reader) Stat(path string) (Entry, error) {
	resolved, err := r.resolve("archive.Stat", path)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Entry{}, classifyIOErr("archive.Stat", path, err)
	}
	return Entry{
		Name:     info.Name(),
		Path:     path,
		Size:     info.Size(),
		Modified: info.ModTime(),
		IsDir:    info.IsDir(),
		Kind:     classifyKind(info.Name()),
	}, nil
}

// ReadRange reads length bytes starting at offset. length is rejected
// before any file is opened if it exceeds MaxReadBytes.
func (r *Reader) ReadRange(path string, offset, length int64, mode Mode) ([]byte, error) {
	if length > r.MaxReadBytes {
		return nil, bridgeerr.New(bridgeerr.KindTooLarge, "archive.ReadRange", path,
			fmt.Sprintf("requested length %d exceeds cap %d", length, r.MaxReadBytes))
	}
	if length < 0 || offset < 0 {
		return nil, bridgeerr.New(bridgeerr.KindIOError, "archive.ReadRange", path, "negative offset or length")
	}

	resolved, err := r.resolve("archive.ReadRange", path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, classifyIOErr("archive.ReadRange", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, classifyIOErr("archive.ReadRange", path, err)
	}
	buf = buf[:n]

	if mode == ModeText {
		if !utf8.Valid(buf) || bytes.IndexByte(buf, 0) >= 0 {
			return nil, bridgeerr.New(bridgeerr.KindIOError, "archive.ReadRange", path, "not valid text")
		}
	}
	metrics.ArchiveBytesReadTotal.Add(float64(len(buf)))
	return buf, nil
}

// Head returns the first n bytes of path.
func (r *Reader) Head(path string, n int64) ([]byte, error) {
	return r.ReadRange(path, 0, n, ModeBinary)
}

// Tail returns the last n bytes of path, or the whole file if it is
// smaller than n.
func (r *Reader) Tail(path string, n int64) ([]byte, error) {
	st, err := r.Stat(path)
	if err != nil {
		return nil, err
	}
	offset := st.Size - n
	if offset < 0 {
		offset = 0
		n = st.Size
	}
	return r.ReadRange(path, offset, n, ModeBinary)
}

func classifyKind(name string) Kind {
	switch {
	case strings.Contains(name, "daily") || strings.HasSuffix(name, ".bars"):
		return KindDailyBars
	case strings.Contains(name, "tick") || strings.HasSuffix(name, ".ticks"):
		return KindTickRecords
	default:
		return KindOther
	}
}

func classifyIOErr(op, path string, err error) error {
	if os.IsNotExist(err) {
		return bridgeerr.Wrap(bridgeerr.KindNotFound, op, path, err)
	}
	return bridgeerr.Wrap(bridgeerr.KindIOError, op, path, err)
}
