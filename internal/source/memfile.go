package source

import (
	"bytes"
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go/source"
)

// memFile is a source.ParquetFile over a byte slice. Files opened for
// reading share the data but keep their own offset, since the parquet
// reader opens one handle per column.
type memFile struct {
	data   []byte
	reader *bytes.Reader
	buffer *bytes.Buffer
}

func newMemFile(data []byte) *memFile {
	return &memFile{data: data, reader: bytes.NewReader(data)}
}

func newMemWriter() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) {
	return newMemWriter(), nil
}

func (m *memFile) Open(string) (source.ParquetFile, error) {
	return newMemFile(m.Bytes()), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	if m.reader == nil {
		return int64(m.buffer.Len()), nil
	}
	return m.reader.Seek(offset, whence)
}

func (m *memFile) Read(b []byte) (int, error) {
	if m.reader == nil {
		return 0, fmt.Errorf("read not supported on a writer")
	}
	return m.reader.Read(b)
}

func (m *memFile) Write(b []byte) (int, error) {
	if m.buffer == nil {
		return 0, fmt.Errorf("write not supported on a reader")
	}
	return m.buffer.Write(b)
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Bytes() []byte {
	if m.buffer != nil {
		return m.buffer.Bytes()
	}
	return m.data
}

var _ io.ReadSeeker = (*memFile)(nil)
