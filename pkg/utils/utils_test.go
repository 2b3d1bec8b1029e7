package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(5, 0, 10))
	assert.Equal(t, 0, Clamp(-3, 0, 10))
	assert.Equal(t, 10, Clamp(42, 0, 10))
	assert.Equal(t, uint32(255), Clamp(uint32(300), uint32(1), uint32(255)))
}

func TestHexdumpRows(t *testing.T) {
	content := append([]byte("Hello, Amiga!\x00\x01"), make([]byte, 17)...)
	rows := HexdumpRows(0x1000, content)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[0], "0x00001000:")
	assert.Contains(t, rows[0], "48 65 6c 6c 6f 2c 20 41")
	assert.Contains(t, rows[0], "|Hello, Amiga!..")
	assert.Contains(t, rows[1], "0x00001010:")
}

func TestHexdumpRows_Empty(t *testing.T) {
	assert.Empty(t, HexdumpRows(0, nil))
}
