package utils

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSectionReaderAt(t *testing.T) {
	r := NewSectionReaderAt(bytes.NewReader([]byte("0123456789")), 2, 5)

	buf := make([]byte, 3)
	n, err := r.ReadAt(buf, 1)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "345", string(buf))

	n, err = r.ReadAt(buf, 3)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	assert.Equal(t, "56", string(buf[:n]))

	_, err = r.ReadAt(buf, 5)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSectionWriterAt(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "section"))
	assert.NoError(t, err)
	defer f.Close()

	w := NewSectionWriterAt(f, 4, 4)

	_, err = w.WriteAt([]byte("ab"), 1)
	assert.NoError(t, err)

	_, err = w.WriteAt([]byte("abcd"), 1)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	content, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 'a', 'b'}, content)
}
