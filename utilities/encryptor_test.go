package utilities

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	blob, err := enc.SealBlob([]byte("hello dm preview"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hello")

	plain, err := enc.OpenBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello dm preview", string(plain))
}

func TestEncryptorWrongKey(t *testing.T) {
	a, err := NewEncryptor(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	b, err := NewEncryptor(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	blob, err := a.SealBlob([]byte("secret"))
	require.NoError(t, err)

	_, err = b.OpenBlob(blob)
	assert.Error(t, err)
	_, err = b.OpenBlob([]byte("short"))
	assert.Error(t, err)
}

func TestNewEncryptorFromHex(t *testing.T) {
	enc, err := NewEncryptorFromHex("")
	require.NoError(t, err)
	assert.Nil(t, enc, "empty secret disables encryption")

	_, err = NewEncryptorFromHex("zz")
	assert.Error(t, err)

	_, err = NewEncryptorFromHex("abcd")
	assert.ErrorIs(t, err, ErrSecretSize)

	enc, err = NewEncryptorFromHex(strings.Repeat("0f", 32))
	require.NoError(t, err)
	assert.NotNil(t, enc)
}
