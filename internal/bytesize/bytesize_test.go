package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1k", KB},
		{"1KB", KB},
		{"1Ki", KiB},
		{"1KiB", KiB},
		{"100MiB", 100 * MiB},
		{"100MB", 100 * MB},
		{"1.5Gi", ByteSize(1.5 * float64(GiB))},
		{"2T", 2 * TB},
		{" 64 kib ", 64 * KiB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12XB", "-5", "1.2.3M"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("4Mi")))
	assert.Equal(t, 4*MiB, b)

	assert.Error(t, b.UnmarshalText([]byte("many")))
}

func TestString(t *testing.T) {
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "100.00MiB", (100 * MiB).String())
	assert.Equal(t, "1.50GiB", ByteSize(1.5*float64(GiB)).String())
}
