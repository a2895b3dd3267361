package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayersOverDefaults(t *testing.T) {
	s, err := Parse(map[string]string{KeyMaxContainerCount: "3", KeyTimeout: "600"}, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Version)
	assert.Equal(t, 3, s.MaxContainerCount)
	assert.Equal(t, 10*time.Minute, s.Timeout)
	assert.Equal(t, 5, s.MaxRenewCount)
	assert.Equal(t, time.Minute, s.FrequencyLimit)
	assert.Equal(t, 101, s.PortRangeSize())
}

func TestParseRejectsInvertedRange(t *testing.T) {
	_, err := Parse(map[string]string{KeyPortMin: "2000", KeyPortMax: "1000"}, 1)
	require.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(map[string]string{KeyMaxRenewCount: "many"}, 1)
	require.Error(t, err)
	_, err = Parse(map[string]string{KeyMaxRenewCount: "-1"}, 1)
	require.Error(t, err)
}

func TestValidateUnknownKey(t *testing.T) {
	err := Validate(nil, map[string]string{"docker_swarm": "yes"})
	require.Error(t, err)
	require.NoError(t, Validate(nil, map[string]string{KeyHTTPPort: "8080"}))
}

func TestRemainingClampsAtZero(t *testing.T) {
	s, err := Parse(nil, 1)
	require.NoError(t, err)
	now := time.Now()
	start := now.Add(-(s.Timeout + 10*time.Second))
	assert.Equal(t, time.Duration(0), s.Remaining(start, now))
	assert.True(t, s.Expired(start, now))

	fresh := now.Add(-time.Minute)
	assert.Equal(t, s.Timeout-time.Minute, s.Remaining(fresh, now))
	assert.False(t, s.Expired(fresh, now))
}

func TestPortRangeChanged(t *testing.T) {
	a, _ := Parse(nil, 1)
	b, _ := Parse(map[string]string{KeyPortMax: "10200"}, 2)
	c, _ := Parse(map[string]string{KeyMaxRenewCount: "1"}, 3)
	assert.True(t, a.PortRangeChanged(b))
	assert.False(t, a.PortRangeChanged(c))
}
