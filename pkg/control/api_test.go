package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/pkg/cacheopt"
	"github.com/kotormodsync/dcc/pkg/diagnostics"
)

func newTestOptimizer(t *testing.T) *cacheopt.Optimizer {
	t.Helper()
	harness := diagnostics.NewHarness(t.TempDir() + "/port")
	opt := cacheopt.New(harness.Client, zerolog.Nop())
	if err := opt.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	return opt
}

// TestControlAPIServer tests the control API server lifecycle.
func TestControlAPIServer(t *testing.T) {
	opt := newTestOptimizer(t)
	server := NewServer(opt, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if err := server.Serve(ctx, listener); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()
}

// TestGetStatsOperation tests the GetStats control operation.
func TestGetStatsOperation(t *testing.T) {
	opt := newTestOptimizer(t)
	server := NewServer(opt, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go server.Serve(ctx, listener)
	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	request := Request{Method: "GetStats", ID: "test-1"}

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(request); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if response.ID != "test-1" {
		t.Errorf("Expected response ID 'test-1', got %s", response.ID)
	}
	if response.Error != "" {
		t.Errorf("Unexpected error in response: %s", response.Error)
	}

	result, ok := response.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result to be a map, got %T", response.Result)
	}
	if _, ok := result["active_shares"]; !ok {
		t.Error("Expected active_shares in result")
	}
	if _, ok := result["connected_sources"]; !ok {
		t.Error("Expected connected_sources in result")
	}
}

// TestBlockContentIdOperation tests the BlockContentId control operation.
func TestBlockContentIdOperation(t *testing.T) {
	opt := newTestOptimizer(t)
	server := NewServer(opt, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go server.Serve(ctx, listener)
	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	request := Request{
		Method: "BlockContentId",
		ID:     "test-2",
		Params: map[string]interface{}{
			"content_id": "deadbeef",
			"reason":     "known-poisoned archive",
		},
	}

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(request); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if response.Error != "" {
		t.Errorf("Unexpected error in response: %s", response.Error)
	}
}

// TestUnknownMethodOperation exercises the error path for an unrecognized
// method name.
func TestUnknownMethodOperation(t *testing.T) {
	opt := newTestOptimizer(t)
	server := NewServer(opt, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go server.Serve(ctx, listener)
	time.Sleep(10 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	request := Request{Method: "NoSuchMethod", ID: "test-3"}

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(request); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	decoder := json.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if response.Error == "" {
		t.Error("Expected error in response for an unknown method")
	}
}
