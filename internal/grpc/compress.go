package grpc

import (
	"io"
	"sync"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

// SnappyName is the grpc-encoding value observers pass to grpc.UseCompressor.
const SnappyName = "snappy"

func init() {
	encoding.RegisterCompressor(newSnappyCompressor())
}

// snappyCompressor implements encoding.Compressor with pooled snappy framing
// writers and readers.
type snappyCompressor struct {
	writers sync.Pool
	readers sync.Pool
}

func newSnappyCompressor() *snappyCompressor {
	c := &snappyCompressor{}
	c.writers.New = func() any { return &snappyWriter{Writer: snappy.NewBufferedWriter(nil), pool: &c.writers} }
	c.readers.New = func() any { return snappy.NewReader(nil) }
	return c
}

// Name reports the identifier used for snappy encoded messages.
func (c *snappyCompressor) Name() string { return SnappyName }

// Compress wraps w; the message is complete once the returned writer is closed.
func (c *snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	sw := c.writers.Get().(*snappyWriter)
	sw.Reset(w)
	return sw, nil
}

// Decompress wraps r with a pooled snappy reader.
func (c *snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	sr := c.readers.Get().(*snappy.Reader)
	sr.Reset(r)
	return &snappyReader{Reader: sr, pool: &c.readers}, nil
}

type snappyWriter struct {
	*snappy.Writer
	pool *sync.Pool
}

// Close flushes the frame and returns the writer to its pool.
func (w *snappyWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w)
	return err
}

type snappyReader struct {
	*snappy.Reader
	pool *sync.Pool
}

// Read returns the reader to its pool at EOF.
func (r *snappyReader) Read(p []byte) (int, error) {
	if r.Reader == nil {
		return 0, io.EOF
	}
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.pool.Put(r.Reader)
		r.Reader = nil
	}
	return n, err
}
