package artifact

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd wraps another Store and transparently compresses artifacts on disk.
// Write reports the uncompressed payload size, so size accounting and the
// eviction budget stay in logical bytes regardless of compression ratio.
// Worth it for tile and prediction payloads; already-compressed thumbnails
// gain little.
type Zstd struct {
	inner Store
	level zstd.EncoderLevel
}

var _ Store = (*Zstd)(nil)

// NewZstd wraps inner. A zero level means zstd's default.
func NewZstd(inner Store, level zstd.EncoderLevel) *Zstd {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &Zstd{inner: inner, level: level}
}

func (z *Zstd) Write(name string, r io.Reader) (int64, error) {
	counted := &countingReader{r: r}
	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(z.level))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, counted); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()
	if _, err := z.inner.Write(name, pr); err != nil {
		pr.CloseWithError(err)
		return 0, err
	}
	return counted.n, nil
}

func (z *Zstd) Open(name string) (io.ReadCloser, error) {
	rc, err := z.inner.Open(name)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &decodeCloser{dec: dec, rc: rc}, nil
}

func (z *Zstd) Remove(name string) error         { return z.inner.Remove(name) }
func (z *Zstd) Exists(name string) (bool, error) { return z.inner.Exists(name) }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type decodeCloser struct {
	dec *zstd.Decoder
	rc  io.ReadCloser
}

func (d *decodeCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodeCloser) Close() error {
	d.dec.Close()
	return d.rc.Close()
}
