// Package archive serializes replicated entries as a stream of self-contained tar archives.
//
// Every archive is terminated by the tar end-of-archive marker and padded to a full tar record,
// so a remote `tar --read-full-records` invocation stops exactly at the end of one archive and
// the next invocation starts at the beginning of the next.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"
)

const (
	BlockSize = 512
	// BlockingFactor is the number of blocks per record expected by the remote unpacker.
	BlockingFactor = 20
	RecordSize     = BlockSize * BlockingFactor
)

var (
	ErrClosed       = errors.New("archive already closed")
	ErrInvalidName  = errors.New("invalid archive entry name")
	ErrShortContent = errors.New("content shorter than announced size")
)

type Kind uint8

const (
	File Kind = iota
	Directory
)

// Entry describes one archive member. Directories carry no payload.
type Entry struct {
	Name    string
	Kind    Kind
	Size    uint64
	Mode    fs.FileMode
	ModTime time.Time
}

// Writer writes one archive. It is not safe for concurrent use.
type Writer struct {
	sink    *countingWriter
	tw      *tar.Writer
	entries int
	closed  bool
	onClose func()
}

// NewWriter starts an archive on w. Nothing is written until the first entry or Close.
func NewWriter(w io.Writer) *Writer {
	cw := &countingWriter{w: w}
	return &Writer{
		sink: cw,
		tw:   tar.NewWriter(cw),
	}
}

// OnClose registers fn to run once the archive has been terminated.
func (w *Writer) OnClose(fn func()) {
	w.onClose = fn
}

// WriteEntry writes a header for e followed by exactly e.Size bytes read from r.
//
// If r ends early the remainder is zero filled so the framing of later entries stays intact,
// and an error wrapping ErrShortContent is returned. Errors from the underlying writer are
// returned as is and leave the archive unusable.
func (w *Writer) WriteEntry(e Entry, r io.Reader) error {
	if w.closed {
		return ErrClosed
	}

	hdr, err := header(e)
	if err != nil {
		return err
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return w.sinkError(err, "write header %s", e.Name)
	}
	w.entries++

	if e.Kind == Directory || e.Size == 0 {
		return nil
	}
	if r == nil {
		r = strings.NewReader("")
	}

	n, err := io.CopyN(w.tw, r, int64(e.Size))
	if err == nil {
		return nil
	}
	if w.sink.err != nil {
		return w.sinkError(err, "write content %s", e.Name)
	}

	if err := w.zeroFill(int64(e.Size) - n); err != nil {
		return w.sinkError(err, "pad content %s", e.Name)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w: %d of %d bytes", e.Name, ErrShortContent, n, e.Size)
	}
	return fmt.Errorf("%s: %w: read: %w", e.Name, ErrShortContent, err)
}

// WriteDir writes a directory member.
func (w *Writer) WriteDir(name string, mode fs.FileMode, modTime time.Time) error {
	return w.WriteEntry(Entry{Name: name, Kind: Directory, Mode: mode, ModTime: modTime}, nil)
}

// WriteFile streams the regular file at src as member name. The size is taken from a stat of
// the open file, so content is never held in memory as a whole.
func (w *Writer) WriteFile(name, src string) (uint64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file", src)
	}

	size := uint64(info.Size())
	err = w.WriteEntry(Entry{
		Name:    name,
		Kind:    File,
		Size:    size,
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}, f)
	return size, err
}

// Close writes the end-of-archive marker and pads the stream to a full record.
// Calling Close again is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.onClose != nil {
		defer w.onClose()
	}

	if err := w.tw.Close(); err != nil {
		return w.sinkError(err, "write trailer")
	}
	if rem := w.sink.n % RecordSize; rem != 0 {
		if err := w.zeroFill(RecordSize - rem); err != nil {
			return w.sinkError(err, "pad record")
		}
	}
	return nil
}

// Entries returns the number of members written so far.
func (w *Writer) Entries() int {
	return w.entries
}

// BytesWritten returns the number of bytes handed to the underlying writer.
func (w *Writer) BytesWritten() int64 {
	return w.sink.n
}

func (w *Writer) zeroFill(n int64) error {
	if n <= 0 {
		return nil
	}
	var zeros [BlockSize]byte
	for n > 0 {
		chunk := min(n, int64(len(zeros)))
		var err error
		if w.closed {
			_, err = w.sink.Write(zeros[:chunk])
		} else {
			_, err = w.tw.Write(zeros[:chunk])
		}
		if err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (w *Writer) sinkError(err error, format string, args ...any) error {
	if w.sink.err != nil {
		err = w.sink.err
	}
	return fmt.Errorf("archive %s: %w", fmt.Sprintf(format, args...), err)
}

func header(e Entry) (*tar.Header, error) {
	name, err := cleanName(e.Name)
	if err != nil {
		return nil, err
	}

	mode := e.Mode.Perm()
	hdr := &tar.Header{
		Name:    name,
		ModTime: e.ModTime.Truncate(time.Second),
	}

	switch e.Kind {
	case Directory:
		if mode == 0 {
			mode = 0o755
		}
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case File:
		if mode == 0 {
			mode = 0o644
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Size = int64(e.Size)
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %d", ErrInvalidName, e.Name, e.Kind)
	}
	hdr.Mode = int64(mode)

	return hdr, nil
}

func cleanName(name string) (string, error) {
	if name == "" || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

// countingWriter counts bytes and remembers the first write error of the sink.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
