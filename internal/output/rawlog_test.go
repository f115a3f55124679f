package output

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/types"
)

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "replies", Header{Encoding: types.EncodingJPEG, Width: 512, Height: 512})
	require.NoError(t, err)
	require.NoError(t, rec.Record([]byte("first")))
	require.NoError(t, rec.Record([]byte{}))
	require.NoError(t, rec.Record([]byte("third")))
	assert.Equal(t, 3, rec.Count())
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	require.Error(t, rec.Record([]byte("late")))

	rd, err := Open(rec.Path())
	require.NoError(t, err)
	defer rd.Close()
	assert.Equal(t, types.EncodingJPEG, rd.Header().Encoding)
	assert.Equal(t, 512, rd.Header().Width)

	var payloads []string
	for {
		r, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.False(t, r.At.IsZero())
		payloads = append(payloads, string(r.Payload))
	}
	assert.Equal(t, []string{"first", "", "third"}, payloads)
}

func TestReaderRejectsForeignFiles(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("STXMRAW1")))
	require.ErrorIs(t, err, ErrFormat)

	_, err = NewReader(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrFormat)
}

func TestReaderTruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "cut", Header{Encoding: types.EncodingRaw, Width: 2, Height: 2})
	require.NoError(t, err)
	require.NoError(t, rec.Record(make([]byte, 12)))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	rd, err := NewReader(bytes.NewReader(data[:len(data)-4]))
	require.NoError(t, err)
	_, err = rd.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}
