package protocol

import (
	"context"
	"sync"

	"github.com/avagate/gateway/internal/models"
)

// serializedClient wraps a Client with a mutex so the one instance the
// supervisor shares across every schedule-group loop for a device (spec.md
// §4.A, §4.E) never sees two calls in flight at once, honoring the Client
// contract above.
type serializedClient struct {
	mu   sync.Mutex
	next Client
}

// Serialize wraps client so Connect/Read/Disconnect calls are mutually
// exclusive, for sharing one Client across multiple concurrent loops.
func Serialize(client Client) Client {
	return &serializedClient{next: client}
}

func (s *serializedClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Connect(ctx)
}

func (s *serializedClient) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Disconnect()
}

func (s *serializedClient) Read(ctx context.Context, tags []models.DeviceTag) []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Read(ctx, tags)
}
