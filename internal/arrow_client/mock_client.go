package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/metrics"
)

// MockFlightClient keeps exported rows in memory. It round-trips every batch
// through an Arrow record so it exercises the same encoding as FlightClient.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]Row
	mem       memory.Allocator
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string][]Row),
		mem:  memory.NewGoAllocator(),
	}
}

// Connect simulates connection
func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) Export(ctx context.Context, batchID string, results []engine.Result) (err error) {
	defer func() { metrics.RecordExport(len(results), err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}

	rec := BuildRecord(m.mem, batchID, results)
	defer rec.Release()
	rows, err := ReadRecord(rec)
	if err != nil {
		return err
	}
	m.data[batchID] = append(m.data[batchID], rows...)
	return nil
}

// Rows returns the rows exported for batchID.
func (m *MockFlightClient) Rows(batchID string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Row(nil), m.data[batchID]...)
}

// Batches returns the number of distinct batches exported.
func (m *MockFlightClient) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Reset clears all stored data
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]Row)
}
