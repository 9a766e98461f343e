package utils

import (
	"io"
)

// SectionReaderAt exposes the window [off, off+size) of r as its own zero based ReaderAt.
type SectionReaderAt struct {
	r    io.ReaderAt
	off  int64
	size int64
}

func NewSectionReaderAt(
	r io.ReaderAt,
	off int64,
	size int64,
) *SectionReaderAt {
	return &SectionReaderAt{
		r,
		off,
		size,
	}
}

func (r *SectionReaderAt) Size() int64 {
	return r.size
}

func (r *SectionReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}

	if remaining := r.size - off; int64(len(p)) > remaining {
		n, err = r.r.ReadAt(p[:remaining], r.off+off)
		if err != nil {
			return n, err
		}

		return n, io.EOF
	}

	return r.r.ReadAt(p, r.off+off)
}

// SectionWriterAt is the write side of SectionReaderAt. Writes past the end of
// the window are rejected with io.ErrShortWrite.
type SectionWriterAt struct {
	w    io.WriterAt
	off  int64
	size int64
}

func NewSectionWriterAt(
	w io.WriterAt,
	off int64,
	size int64,
) *SectionWriterAt {
	return &SectionWriterAt{
		w,
		off,
		size,
	}
}

func (w *SectionWriterAt) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > w.size {
		return 0, io.ErrShortWrite
	}

	return w.w.WriteAt(p, w.off+off)
}
