package ledger

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

// every stored blob starts with one byte naming its compression, so the
// setting can change without rewriting old values
const (
	tagNone   byte = 'n'
	tagSnappy byte = 's'
	tagZstd   byte = 'z'
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionNone, CompressionSnappy, CompressionZstd:
		return c, nil
	case "":
		return CompressionSnappy, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

func compress(c Compression, data []byte) []byte {
	switch c {
	case CompressionSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, data)...)
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, []byte{tagZstd})
	}
	return append([]byte{tagNone}, data...)
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty blob")
	}
	switch blob[0] {
	case tagNone:
		return blob[1:], nil
	case tagSnappy:
		return snappy.Decode(nil, blob[1:])
	case tagZstd:
		return zstdDecoder.DecodeAll(blob[1:], nil)
	}
	return nil, fmt.Errorf("unknown blob tag %q", blob[0])
}
