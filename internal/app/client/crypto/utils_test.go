package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase64RoundTrip(t *testing.T) {
	data := []byte("backup payload")

	decoded, err := DecodeBase64(EncodeBase64(data))

	require.NoError(t, err)
	assert.Equal(t, data, decoded)

	_, err = DecodeBase64("invalid!")
	assert.Error(t, err)
}

func TestGenerateRandomBytes(t *testing.T) {
	a, err := GenerateRandomBytes(saltLength)
	require.NoError(t, err)
	b, err := GenerateRandomBytes(saltLength)
	require.NoError(t, err)

	assert.Len(t, a, saltLength)
	assert.NotEqual(t, a, b)
}

func TestClearMemory(t *testing.T) {
	key := []byte("derived key")

	ClearMemory(key)

	assert.Equal(t, make([]byte, len("derived key")), key)
}
