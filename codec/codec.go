// Package codec names the compression/encryption boundary the pipeline
// plugs into. Real symmetric encryption and compression codecs (AES/LZMA/
// ZStandard) are out of scope per spec.md 1 - they are treated as opaque
// byte-stream transforms supplied by the operator's deployment. This
// package provides the interface plus a passthrough and a stdlib-gzip
// implementation so the pipeline is exercisable without a real crypto
// backend wired in.
package codec

import (
	"compress/gzip"
	"io"
)

// StreamCodec wraps and unwraps a byte stream, e.g. for compression or
// encryption. Wrap's returned WriteCloser must be closed to flush any
// trailer (checksums, padding) before the underlying writer is read back.
type StreamCodec interface {
	Name() string
	Wrap(w io.Writer) io.WriteCloser
	Unwrap(r io.Reader) (io.ReadCloser, error)
}

// None is the identity codec: no compression, no encryption.
type None struct{}

func (None) Name() string { return "none" }

func (None) Wrap(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

func (None) Unwrap(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Gzip compresses with the standard library's DEFLATE implementation. It
// stands in for the LZMA/ZStandard compressors named (and excluded) by
// spec.md 1.
type Gzip struct{}

func (Gzip) Name() string { return "gzip" }

func (Gzip) Wrap(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

func (Gzip) Unwrap(r io.Reader) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return gz, nil
}

// ByName resolves a codec by its manifest-recorded name (spec.md 6's
// manifest "encoding" field piggybacks this).
func ByName(name string) StreamCodec {
	switch name {
	case "gzip":
		return Gzip{}
	default:
		return None{}
	}
}
