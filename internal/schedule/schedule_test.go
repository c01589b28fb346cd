package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCron_Validates(t *testing.T) {
	for _, spec := range []string{"0 * * * *", "0 2 * * *", "@hourly", "@every 30m"} {
		_, err := NewCron(spec, nil)
		assert.NoError(t, err, spec)
	}
	_, err := NewCron("every hour", nil)
	assert.Error(t, err)
}

func TestCron_Fires(t *testing.T) {
	c, err := NewCron("@every 1s", nil)
	require.NoError(t, err)

	var n atomic.Int32
	stop := c.OnTick(func() { n.Add(1) })
	defer stop()

	assert.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestManual(t *testing.T) {
	m := NewManual()
	var a, b atomic.Int32

	stopA := m.OnTick(func() { a.Add(1) })
	m.OnTick(func() { b.Add(1) })
	assert.Equal(t, 2, m.Len())

	m.Tick()
	stopA()
	assert.Equal(t, 1, m.Len())
	m.Tick()

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), b.Load())
}
