// Package codec converts between raw byte buffers and a transportable text
// encoding. Buffers are processed in fixed-size windows so that no
// intermediate allocation is ever sized to the whole input.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// windowSize is the number of input bytes converted per iteration. It is a
// multiple of 3 so every window encodes to unpadded base64 and windows can be
// concatenated without re-encoding.
const windowSize = 8190

var encoding = base64.StdEncoding

// DecodingError indicates that text-to-bytes conversion received input that
// is not valid output of BytesToText. The conversion never silently truncates.
type DecodingError struct {
	Offset int
	Err    error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("codec: malformed text at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// BytesToText encodes raw bytes into transportable text.
//
// An empty buffer encodes to the empty string. The inverse is TextToBytes:
// TextToBytes(BytesToText(b)) == b for all b.
func BytesToText(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(encoding.EncodedLen(len(data)))

	for off := 0; off < len(data); off += windowSize {
		end := off + windowSize
		if end > len(data) {
			end = len(data)
		}
		sb.WriteString(encoding.EncodeToString(data[off:end]))
	}

	return sb.String()
}

// TextToBytes decodes text produced by BytesToText back into the original
// bytes. Malformed input returns a *DecodingError.
func TextToBytes(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}

	decoded, err := encoding.DecodeString(text)
	if err != nil {
		offset := 0
		if ce, ok := err.(base64.CorruptInputError); ok {
			offset = int(ce)
		}
		return nil, &DecodingError{Offset: offset, Err: err}
	}

	return decoded, nil
}
