package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var check = []byte("123456789")

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", None},
		{"none", None},
		{"CRC-16", CRC16},
		{"crc_16", CRC16},
		{" Crc32 ", CRC32},
		{"SHA-256", SHA256},
		{"Fletcher-16", Fletcher16},
		{"blake3", "blake3"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestLength(t *testing.T) {
	assert.Equal(t, 0, Length(""))
	assert.Equal(t, 1, Length("XOR"))
	assert.Equal(t, 1, Length("crc8"))
	assert.Equal(t, 2, Length("CRC-16"))
	assert.Equal(t, 4, Length("crc32"))
	assert.Equal(t, 16, Length("md5"))
	assert.Equal(t, 20, Length("sha1"))
	assert.Equal(t, 32, Length("sha256"))
	assert.Equal(t, 0, Length("unknown"))
	assert.False(t, Supported("unknown"))
	assert.True(t, Supported("Fletcher_32"))
}

func TestCompute_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		algo string
		data []byte
		want []byte
	}{
		{"crc8 atm", CRC8, check, []byte{0xF4}},
		{"crc16 xmodem", CRC16, check, []byte{0x31, 0xC3}},
		{"crc32 ieee", CRC32, check, []byte{0xCB, 0xF4, 0x39, 0x26}},
		{"fletcher16", Fletcher16, []byte("abcde"), []byte{0xC8, 0xF0}},
		{"xor", XOR, []byte{0x01, 0x02, 0x04}, []byte{0x07}},
		{"none", None, check, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.algo, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompute_LengthsMatch(t *testing.T) {
	for algo, n := range lengths {
		got, err := Compute(algo, check)
		require.NoError(t, err, algo)
		assert.Len(t, got, n, algo)
	}
}

func TestCompute_Unsupported(t *testing.T) {
	_, err := Compute("adler", check)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	ok, err := Verify("crc16", check, []byte{0x31, 0xC3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("crc16", check, []byte{0x31, 0xC4})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Verify("adler", check, nil)
	assert.Error(t, err)
}
