package contracts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	cases := map[string][]byte{
		"empty":        {},
		"no runs":      {0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		"zero run":     append([]byte{0xde, 0xad}, make([]byte, 64)...),
		"long zeros":   make([]byte, 300),
		"ff run":       bytes.Repeat([]byte{0xff}, 64),
		"mixed":        append(append(bytes.Repeat([]byte{0xff, 0x00}, 10), make([]byte, 40)...), 0x42),
		"single zero":  {0x00},
		"single ff":    {0xff},
		"trailing run": append([]byte{0x01}, make([]byte, 129)...),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			compressed := CdCompress(data)
			restored, err := CdDecompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, restored)
		})
	}
}

func TestCompressShrinksCalldata(t *testing.T) {
	// ABI-encoded calldata is dominated by zero padding.
	data := make([]byte, 1024)
	for i := 0; i < len(data); i += 32 {
		data[i+31] = byte(i/32 + 1)
	}
	compressed := CdCompress(data)
	assert.Less(t, len(compressed), len(data))
}

func TestCompressNegatesLeadingBytes(t *testing.T) {
	data := []byte{0x12, 0x34, 0x56, 0x78, 0x9a}
	compressed := CdCompress(data)
	require.GreaterOrEqual(t, len(compressed), 4)
	assert.Equal(t, byte(^uint8(0x12)), compressed[0])
	assert.Equal(t, byte(^uint8(0x34)), compressed[1])
}

func TestDecompressTruncatedControl(t *testing.T) {
	// A lone marker byte with no control byte following it.
	bad := CdCompress([]byte{0x01, 0x02, 0x03, 0x04})
	bad = append(bad, 0x00)
	_, err := CdDecompress(bad)
	assert.Error(t, err)
}

func TestChooseEncoding(t *testing.T) {
	tests := []struct {
		name          string
		rawLen        int
		compressedLen int
		want          Encoding
	}{
		{"compressed smaller", 1000, 400, EncodingCompressed},
		{"raw smaller", 400, 1000, EncodingRaw},
		{"equal sizes prefer compressed", 500, 500, EncodingCompressed},
		{"raw past cutoff", 9000, 9500, EncodingCompressed},
		{"tiny payload", 10, 12, EncodingRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseEncoding(tt.rawLen, tt.compressedLen))
		})
	}
}
