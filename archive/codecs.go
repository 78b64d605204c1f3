package archive

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec of an archive segment, determined by its file extension.
type Codec int

const (
	CodecNone Codec = iota
	CodecGzip
	CodecSnappy
	CodecZstandard
)

// String returns the name of the Codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecSnappy:
		return "snappy"
	case CodecZstandard:
		return "zstandard"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// CodecForPath returns the Codec of the segment |name|:
//
//	*.gz            gzip
//	*.sz, *.snappy  snappy (framed)
//	*.zst, *.zstd   zstandard
//
// Other segments are uncompressed.
func CodecForPath(name string) Codec {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz":
		return CodecGzip
	case ".sz", ".snappy":
		return CodecSnappy
	case ".zst", ".zstd":
		return CodecZstandard
	default:
		return CodecNone
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case CodecZstandard:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

var zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
	return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
}
