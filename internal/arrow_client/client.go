// Package arrow_client exports completed batches as Arrow records to a
// downstream store over Arrow Flight.
package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/metrics"
)

// DefaultPath is the Flight descriptor path completions are written to.
var DefaultPath = []string{"completions"}

// Exporter ships the results of a batch downstream.
type Exporter interface {
	Export(ctx context.Context, batchID string, results []engine.Result) error
	Close() error
}

// FlightClient writes completion records with Flight DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	path    []string
	timeout time.Duration
	mem     memory.Allocator
}

// NewFlightClient creates a client for addr (host:port). Call Connect before
// exporting.
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("flight address is empty")
	}
	return &FlightClient{
		addr:    addr,
		path:    DefaultPath,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}, nil
}

// Connect dials the Flight server. Dialing is lazy; errors surface on the
// first Export.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Export writes one record holding every result of the batch.
func (fc *FlightClient) Export(ctx context.Context, batchID string, results []engine.Result) (err error) {
	defer func() { metrics.RecordExport(len(results), err) }()

	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	if len(results) == 0 {
		return fmt.Errorf("no results provided")
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	rec := BuildRecord(fc.mem, batchID, results)
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: fc.path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	logger.Log.Debug("exported batch", "batch_id", batchID, "rows", len(results), "addr", fc.addr)
	return nil
}
