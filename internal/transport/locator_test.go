package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceLocator(t *testing.T) {
	sl, err := ParseServiceLocator("infrc:host=10.0.0.12,port=1100,dev=mlx5_0,devport=2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.12", sl.Host)
	assert.Equal(t, uint16(1100), sl.Port)
	assert.Equal(t, "mlx5_0", sl.Dev)
	assert.Equal(t, uint8(2), sl.DevPort)
	assert.Equal(t, "10.0.0.12:1100", sl.UDPAddr().String())
}

func TestParseServiceLocatorDefaults(t *testing.T) {
	sl, err := ParseServiceLocator("infrc:host=127.0.0.1,port=0")
	require.NoError(t, err)
	assert.Empty(t, sl.Dev)
	assert.Equal(t, uint8(1), sl.DevPort)
}

func TestParseServiceLocatorToleratesUnknownOptions(t *testing.T) {
	sl, err := ParseServiceLocator("infrc:host=127.0.0.1,port=9,cluster=alpha,weight=3")
	require.NoError(t, err)
	assert.Equal(t, uint16(9), sl.Port)
}

func TestParseServiceLocatorErrors(t *testing.T) {
	cases := []string{
		"tcp:host=127.0.0.1,port=1",
		"infrc:port=1100",
		"infrc:host=127.0.0.1",
		"infrc:host=nonsense,port=1100",
		"infrc:host=127.0.0.1,port=70000",
		"infrc:host=127.0.0.1,port=1100,devport=300",
		"infrc:host=127.0.0.1,port",
	}
	for _, c := range cases {
		_, err := ParseServiceLocator(c)
		assert.Error(t, err, c)
	}
}

func TestServiceLocatorStringPreserved(t *testing.T) {
	original := "infrc:host=127.0.0.1,port=1100,extra=1"
	sl, err := ParseServiceLocator(original)
	require.NoError(t, err)
	assert.Equal(t, original, sl.String())
}
