package protocol

import "io"

// FrameReader reassembles fixed-size frames from a byte stream. Bytes read
// before an error (a read deadline, typically) are kept, so the caller can
// retry after a timeout without losing its position in the stream.
type FrameReader struct {
	r   io.Reader
	buf []byte
	n   int
}

// NewFrameReader returns a reader yielding frames of exactly size bytes.
func NewFrameReader(r io.Reader, size int) *FrameReader {
	return &FrameReader{r: r, buf: make([]byte, size)}
}

// ReadFrame blocks until a full frame is buffered or the underlying reader
// fails. The returned slice is owned by the caller.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for f.n < len(f.buf) {
		n, err := f.r.Read(f.buf[f.n:])
		f.n += n
		if err != nil {
			if err == io.EOF && f.n > 0 && f.n < len(f.buf) {
				return nil, io.ErrUnexpectedEOF
			}
			if f.n < len(f.buf) {
				return nil, err
			}
		}
	}

	frame := make([]byte, len(f.buf))
	copy(frame, f.buf)
	f.n = 0
	return frame, nil
}

// Buffered reports how many bytes of a partial frame are held.
func (f *FrameReader) Buffered() int {
	return f.n
}
