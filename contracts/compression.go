package contracts

import "github.com/pkg/errors"

// Calldata compression for the batched execute call. Runs of 0x00 and 0xff
// bytes (the bulk of ABI-encoded calldata) are run-length encoded behind a
// 0x00 marker, and the first four bytes of the output are negated so the
// compressed blob can never collide with a function selector. The delegator
// contract inflates this in its fallback before dispatching.

// Encoding selects which calldata form a submission uses.
type Encoding int

const (
	EncodingRaw Encoding = iota
	EncodingCompressed
)

// RawSizeCutoff is the calldata size past which raw encoding is never used,
// even when it would cost less gas.
const RawSizeCutoff = 8192

// ChooseEncoding picks the calldata form from the two candidate sizes.
// Compressed wins whenever it is not larger, and always wins once the raw
// form exceeds the size cutoff.
func ChooseEncoding(rawLen, compressedLen int) Encoding {
	if rawLen >= RawSizeCutoff {
		return EncodingCompressed
	}
	if compressedLen <= rawLen {
		return EncodingCompressed
	}
	return EncodingRaw
}

// CdCompress run-length encodes data. Zero runs up to 128 bytes and 0xff
// runs up to 32 bytes collapse to two bytes each.
func CdCompress(data []byte) []byte {
	out := make([]byte, 0, len(data))

	for i := 0; i < len(data); {
		b := data[i]
		if b == 0x00 {
			run := 1
			for i+run < len(data) && data[i+run] == 0x00 && run < 128 {
				run++
			}
			out = append(out, 0x00, byte(run-1))
			i += run
			continue
		}
		if b == 0xff {
			run := 1
			for i+run < len(data) && data[i+run] == 0xff && run < 32 {
				run++
			}
			out = append(out, 0x00, byte(0x80|(run-1)))
			i += run
			continue
		}
		out = append(out, b)
		i++
	}

	negateSelector(out)
	return out
}

// CdDecompress reverses CdCompress.
func CdDecompress(data []byte) ([]byte, error) {
	in := make([]byte, len(data))
	copy(in, data)
	negateSelector(in)

	out := make([]byte, 0, len(in)*2)
	for i := 0; i < len(in); i++ {
		if in[i] != 0x00 {
			out = append(out, in[i])
			continue
		}
		if i+1 >= len(in) {
			return nil, errors.New("truncated compression control byte")
		}
		i++
		control := in[i]
		if control < 0x80 {
			for n := 0; n <= int(control); n++ {
				out = append(out, 0x00)
			}
		} else {
			for n := 0; n <= int(control&0x7f); n++ {
				out = append(out, 0xff)
			}
		}
	}
	return out, nil
}

// negateSelector flips the first four bytes in place.
func negateSelector(data []byte) {
	for i := 0; i < 4 && i < len(data); i++ {
		data[i] = ^data[i]
	}
}
