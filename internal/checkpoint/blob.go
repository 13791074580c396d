package checkpoint

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// zstd encoders and decoders are safe for concurrent use, so one of each is
// shared by every manager.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// hashContent returns the hex BLAKE3-256 digest of data.
func hashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+64))
}

// decompress decodes a blob and checks it against the recorded size and hash.
func decompress(blob []byte, size int64, hash string) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(blob, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("got %d bytes, expected %d", len(data), size)
	}
	if got := hashContent(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: got %s, expected %s", got, hash)
	}
	return data, nil
}
