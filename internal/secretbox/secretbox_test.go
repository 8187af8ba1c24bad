package secretbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("a passphrase")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("top secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "top secret")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(plain))
}

func TestHexKeyUsedVerbatim(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b1, err := New(hexKey)
	require.NoError(t, err)
	b2, err := New(hexKey)
	require.NoError(t, err)

	sealed, err := b1.Seal([]byte("x"))
	require.NoError(t, err)
	plain, err := b2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))
}

func TestWrongKeyFailsClosed(t *testing.T) {
	b1, err := New("key one")
	require.NoError(t, err)
	b2, err := New("key two")
	require.NoError(t, err)

	sealed, err := b1.Seal([]byte("data"))
	require.NoError(t, err)

	_, err = b2.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsTruncated(t *testing.T) {
	box, err := New("k")
	require.NoError(t, err)
	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestFromEnvUnsetMeansNoBox(t *testing.T) {
	t.Setenv(EnvKey, "")
	box, err := FromEnv()
	require.NoError(t, err)
	assert.Nil(t, box)

	t.Setenv(EnvKey, "some key")
	box, err = FromEnv()
	require.NoError(t, err)
	assert.NotNil(t, box)
}
