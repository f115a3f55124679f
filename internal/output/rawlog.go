// Package output records reply payloads to disk so a session can be replayed
// or inspected after the fact.
//
// File layout: the 8 byte magic, one JSON header record, then payload
// records. Every record is an 8 byte unix-nano timestamp and a 4 byte length
// (both little endian) followed by the bytes.
package output

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dstream/internal/types"
)

const (
	rawLogMagic     = "DSTRAW01"
	recordHeaderLen = 12
	maxRecordLen    = 64 << 20
)

var ErrFormat = errors.New("not a frame log")

// Header describes how the recorded payloads are encoded.
type Header struct {
	Encoding types.Encoding `json:"encoding"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Started  time.Time      `json:"started"`
}

type Record struct {
	At      time.Time
	Payload []byte
}

type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	n    int
}

func NewRecorder(outputDir, prefix string, header Header) (*Recorder, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	if header.Started.IsZero() {
		header.Started = time.Now()
	}
	name := fmt.Sprintf("%s_%s.bin", header.Started.Format("20060102_150405"), prefix)
	path := filepath.Join(outputDir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path}

	meta, err := json.Marshal(header)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := r.w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.writeRecord(header.Started, meta); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Record appends one payload. It copies nothing; the caller must not reuse
// payload until Record returns.
func (r *Recorder) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("frame log %s is closed", r.path)
	}
	if err := r.writeRecord(time.Now(), payload); err != nil {
		return err
	}
	r.n++
	return r.w.Flush()
}

func (r *Recorder) writeRecord(at time.Time, payload []byte) error {
	var header [recordHeaderLen]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(at.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	_, err := r.w.Write(payload)
	return err
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.w = nil
	return err
}

type Reader struct {
	r      *bufio.Reader
	c      io.Closer
	header Header
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rd, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rd.c = f
	return rd, nil
}

func NewReader(src io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReaderSize(src, 1<<20)}
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(rd.r, magic); err != nil || string(magic) != rawLogMagic {
		return nil, ErrFormat
	}
	first, err := rd.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: missing header: %v", ErrFormat, err)
	}
	if err := json.Unmarshal(first.Payload, &rd.header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	return rd, nil
}

func (rd *Reader) Header() Header { return rd.header }

// Next returns the next record, or io.EOF after the last one.
func (rd *Reader) Next() (Record, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(rd.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("record header: %w", err)
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	length := binary.LittleEndian.Uint32(header[8:12])
	if length > maxRecordLen {
		return Record{}, fmt.Errorf("%w: record of %d bytes", ErrFormat, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return Record{}, fmt.Errorf("record payload: %w", err)
	}
	return Record{At: time.Unix(0, ts), Payload: payload}, nil
}

func (rd *Reader) Close() error {
	if rd.c == nil {
		return nil
	}
	return rd.c.Close()
}
