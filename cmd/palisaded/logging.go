package palisaded

import (
	"unicode"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// consoleEncoder wraps a zapcore encoder and strips control characters from the
// encoded output. Log fields routinely carry chain-supplied strings (token symbols,
// addresses decoded from untrusted calldata) and a raw terminal escape sequence in
// those must never reach an operator's console.
type consoleEncoder struct {
	zapcore.Encoder
}

func (e consoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := e.Encoder.EncodeEntry(entry, fields)
	if err != nil {
		buf.Free()
		return nil, err
	}

	sanitizeInPlace(buf.Bytes())
	return buf, nil
}

// sanitizeInPlace replaces every non-whitespace control byte with the ASCII
// substitute character.
func sanitizeInPlace(b []byte) {
	for i := range b {
		if unicode.IsControl(rune(b[i])) && !unicode.IsSpace(rune(b[i])) {
			b[i] = '\x1A'
		}
	}
}
