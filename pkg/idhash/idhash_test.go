package idhash_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/idhash"
)

func TestHashStable(t *testing.T) {
	h, err := idhash.New(idhash.Config{Iterations: 1000, Pepper: []byte("pepper")})
	require.NoError(t, err)
	require.Equal(t, idhash.DefaultCacheSize, h.Config().CacheSize)

	a := h.Hash("1S00E00AA00")
	require.Len(t, a, 2*idhash.KeyLength)
	require.Equal(t, a, h.Hash("1S00E00AA00"))
	require.NotEqual(t, a, h.Hash("1S00E00AA01"))

	other, err := idhash.New(idhash.Config{Iterations: 1000, Pepper: []byte("salt")})
	require.NoError(t, err)
	require.NotEqual(t, a, other.Hash("1S00E00AA00"))
}

func TestHashKnownValue(t *testing.T) {
	// RFC 7914 section 11 PBKDF2-HMAC-SHA256 vector: P="passwd", S="salt", c=1
	h, err := idhash.New(idhash.Config{Iterations: 1, Pepper: []byte("salt")})
	require.NoError(t, err)
	require.Equal(t, "55ac046e56e3089fec1691c22544b605f94185216dde0465e68b9d57c20dacbc", h.Hash("passwd"))
}

func TestInvalidConfig(t *testing.T) {
	for name, cfg := range map[string]idhash.Config{
		"no iterations": {Pepper: []byte("p")},
		"no pepper":     {Iterations: 1},
		"negative size": {Iterations: 1, Pepper: []byte("p"), CacheSize: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := idhash.New(cfg)
			require.ErrorIs(t, err, idhash.ErrInvalidConfig)
		})
	}
}
