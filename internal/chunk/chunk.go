// Package chunk reads and writes the newline-delimited JSON chunk files the
// archive is made of: one Post or Placeholder per line, ascending and
// numerically contiguous within a file, with a trailing newline.
package chunk

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/hexpair/foolvault/internal/archive"
)

const (
	// Ext is the chunk file extension.
	Ext = ".ndjson"

	maxLineBytes = 32 * 1024 * 1024
)

// Filename builds the canonical chunk file name from its post-number span
// and emission time (UTC).
func Filename(first, last int64, ts time.Time) string {
	return fmt.Sprintf("posts_%d-%d_%s%s", first, last, ts.UTC().Format("20060102T150405Z"), Ext)
}

// DecodeRecord turns one file line into a Post or Placeholder. Tombstone
// lines are recognized by their exception field.
func DecodeRecord(line []byte) (archive.Record, error) {
	var probe struct {
		Exception *string `json:"exception"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if probe.Exception != nil {
		var ph archive.Placeholder
		if err := json.Unmarshal(line, &ph); err != nil {
			return nil, fmt.Errorf("decode placeholder: %w", err)
		}
		return &ph, nil
	}
	var post archive.Post
	if err := json.Unmarshal(line, &post); err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	return &post, nil
}

// EncodeRecord marshals a record into its single-line form (no newline).
func EncodeRecord(rec archive.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %d: %w", rec.Number(), err)
	}
	return data, nil
}

// Writer emits records line by line onto an underlying writer.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteRecord encodes and writes one record line.
func (w *Writer) WriteRecord(rec archive.Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already-encoded line, appending the newline.
func (w *Writer) WriteRaw(line []byte) error {
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write record line: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record line: %w", err)
	}
	return nil
}

// Flush drains the buffer to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush chunk writer: %w", err)
	}
	return nil
}

// WriteFile writes records (already sorted ascending) as one chunk file in
// dir, going through a temp file so a crash never leaves a partial chunk
// under the final name. It returns the file path and the chunk id (the file
// name).
func WriteFile(dir string, records []archive.Record, ts time.Time) (path, id string, err error) {
	if len(records) == 0 {
		return "", "", fmt.Errorf("refusing to write empty chunk")
	}
	first := records[0].Number()
	last := records[len(records)-1].Number()
	if want := first + int64(len(records)) - 1; want != last {
		return "", "", fmt.Errorf("chunk records not contiguous: %d..%d over %d lines", first, last, len(records))
	}

	id = Filename(first, last, ts)
	path = dir + string(os.PathSeparator) + id
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", "", fmt.Errorf("create chunk temp file: %w", err)
	}
	w := NewWriter(f)
	for _, rec := range records {
		if err := w.WriteRecord(rec); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return "", "", err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("sync chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("close chunk file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("publish chunk file: %w", err)
	}
	return path, id, nil
}

// Reader streams one chunk file record by record, never holding the whole
// file in memory.
type Reader struct {
	f  *os.File
	sc *bufio.Scanner
}

// OpenReader opens path for streaming.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{f: f, sc: sc}, nil
}

// Next returns the next record and its raw line. It returns io.EOF after the
// last line.
func (r *Reader) Next() (archive.Record, []byte, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; callers keep the line.
		raw := append([]byte(nil), line...)
		rec, err := DecodeRecord(raw)
		if err != nil {
			return nil, nil, err
		}
		return rec, raw, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read chunk file: %w", err)
	}
	return nil, nil, io.EOF
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
