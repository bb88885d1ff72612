package mt5

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBridgeClientTimeoutSetters(t *testing.T) {
	c := NewBridgeClient("localhost", 8001)
	assert.Equal(t, DefaultCallTimeout, c.callTimeout)
	assert.Equal(t, defaultDialTimeout, c.dialTimeout)

	c.SetDialTimeout(3 * time.Second)
	c.SetCallTimeout(45 * time.Second)
	assert.Equal(t, 3*time.Second, c.dialTimeout)
	assert.Equal(t, 45*time.Second, c.callTimeout)

	// Non-positive values keep the previous timeouts.
	c.SetDialTimeout(0)
	c.SetCallTimeout(-time.Second)
	assert.Equal(t, 3*time.Second, c.dialTimeout)
	assert.Equal(t, 45*time.Second, c.callTimeout)
}
