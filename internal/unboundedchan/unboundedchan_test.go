package unboundedchan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/unboundedchan"
)

func TestSendNeverBlocksWhileUnread(t *testing.T) {
	c := unboundedchan.New[int]()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			c.In() <- i
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends blocked with no reader draining Out()")
	}

	for i := 0; i < 10_000; i++ {
		require.Equal(t, i, <-c.Out())
	}
}

func TestPreservesFIFOOrder(t *testing.T) {
	c := unboundedchan.New[string]()
	c.In() <- "a"
	c.In() <- "b"
	c.In() <- "c"

	assert.Equal(t, "a", <-c.Out())
	assert.Equal(t, "b", <-c.Out())
	assert.Equal(t, "c", <-c.Out())
}

func TestCloseDrainsQueueThenClosesOut(t *testing.T) {
	c := unboundedchan.New[int]()
	c.In() <- 1
	c.In() <- 2
	c.Close()

	assert.Equal(t, 1, <-c.Out())
	assert.Equal(t, 2, <-c.Out())

	_, ok := <-c.Out()
	assert.False(t, ok)
}
