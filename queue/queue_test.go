package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0))
	assert.Equal(t, 5*time.Second, RetryDelay(1))
	assert.Equal(t, 10*time.Second, RetryDelay(2))
	assert.Equal(t, 20*time.Second, RetryDelay(3))
	assert.Equal(t, 40*time.Second, RetryDelay(4))
	assert.Equal(t, 5*time.Minute, RetryDelay(12))
	assert.Equal(t, 5*time.Minute, RetryDelay(100))
}
