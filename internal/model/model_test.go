package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultChannelCount, ChannelCount(0))
	assert.Equal(t, 12, ChannelCount(4108)) // 0x100c
	assert.Equal(t, 8, ChannelCount(8))
}

func TestJSONMapScan(t *testing.T) {
	t.Parallel()

	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"gps_valid":true,"satellites":10}`)))
	assert.Equal(t, true, m["gps_valid"])
	assert.Equal(t, float64(10), m["satellites"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(42))

	v, err := JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestToJSONMap(t *testing.T) {
	t.Parallel()

	m := ToJSONMap(struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}{"cam", 2})
	assert.Equal(t, JSONMap{"name": "cam", "count": float64(2)}, m)
}
