// Package checksum computes and verifies the frame checksums understood by the decoder
package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// Algorithm names in canonical form
const (
	None       = "none"
	XOR        = "xor"
	CRC8       = "crc8"
	CRC16      = "crc16"
	CRC32      = "crc32"
	Fletcher16 = "fletcher16"
	Fletcher32 = "fletcher32"
	MD5        = "md5"
	SHA1       = "sha1"
	SHA256     = "sha256"
)

var lengths = map[string]int{
	None:       0,
	XOR:        1,
	CRC8:       1,
	CRC16:      2,
	Fletcher16: 2,
	CRC32:      4,
	Fletcher32: 4,
	MD5:        16,
	SHA1:       20,
	SHA256:     32,
}

var (
	crc8Table  = makeCRC8Table(0x07)
	crc16Table = makeCRC16Table(0x1021)
)

// Normalize maps a user supplied algorithm name ("CRC-16", "crc_16", "")
// to its canonical form. Unknown names are returned lowercased with
// separators removed.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	if n == "" {
		return None
	}
	return n
}

// Supported reports whether the algorithm is known
func Supported(name string) bool {
	_, ok := lengths[Normalize(name)]
	return ok
}

// Length returns the number of checksum bytes appended to a frame. Unknown
// algorithms have length 0.
func Length(name string) int {
	return lengths[Normalize(name)]
}

// Compute calculates the checksum of data. Multi-byte integer checksums are
// big-endian.
func Compute(name string, data []byte) ([]byte, error) {
	switch Normalize(name) {
	case None:
		return []byte{}, nil
	case XOR:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return []byte{x}, nil
	case CRC8:
		var crc byte
		for _, b := range data {
			crc = crc8Table[crc^b]
		}
		return []byte{crc}, nil
	case CRC16:
		var crc uint16
		for _, b := range data {
			crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
		}
		return binary.BigEndian.AppendUint16(nil, crc), nil
	case CRC32:
		return binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(data)), nil
	case Fletcher16:
		var s1, s2 uint16
		for _, b := range data {
			s1 = (s1 + uint16(b)) % 255
			s2 = (s2 + s1) % 255
		}
		return binary.BigEndian.AppendUint16(nil, s2<<8|s1), nil
	case Fletcher32:
		var s1, s2 uint32
		for i := 0; i < len(data); i += 2 {
			word := uint32(data[i]) << 8
			if i+1 < len(data) {
				word |= uint32(data[i+1])
			}
			s1 = (s1 + word) % 65535
			s2 = (s2 + s1) % 65535
		}
		return binary.BigEndian.AppendUint32(nil, s2<<16|s1), nil
	case MD5:
		sum := md5.Sum(data)
		return sum[:], nil
	case SHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", name)
	}
}

// Verify reports whether sum is the checksum of data
func Verify(name string, data, sum []byte) (bool, error) {
	want, err := Compute(name, data)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, sum), nil
}

func makeCRC8Table(poly byte) [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

func makeCRC16Table(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}
