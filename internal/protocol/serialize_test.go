package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/avagate/gateway/internal/models"
)

// trackingClient counts overlapping calls so tests can detect a missing
// mutual-exclusion guarantee.
type trackingClient struct {
	inFlight   int32
	maxInFlight int32
}

func (c *trackingClient) enter() {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, n) {
			break
		}
	}
}

func (c *trackingClient) leave() {
	atomic.AddInt32(&c.inFlight, -1)
}

func (c *trackingClient) Connect(ctx context.Context) error {
	c.enter()
	defer c.leave()
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (c *trackingClient) Disconnect() error { return nil }

func (c *trackingClient) Read(ctx context.Context, tags []models.DeviceTag) []models.LogEntry {
	c.enter()
	defer c.leave()
	time.Sleep(5 * time.Millisecond)
	return nil
}

func TestSerializePreventsConcurrentCalls(t *testing.T) {
	inner := &trackingClient{}
	client := Serialize(inner)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Connect(context.Background())
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Read(context.Background(), nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.maxInFlight))
}
