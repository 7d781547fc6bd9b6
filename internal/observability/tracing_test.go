package observability

import (
	"context"
	"testing"

	"github.com/clack-chat/clack/internal/testutil"
)

func TestSetup_ReturnsShutdown(t *testing.T) {
	// The exporter is lazy: constructing it does not dial the
	// endpoint, so Setup succeeds even without a collector running.
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "localhost:0",
		ServiceName: "clack-test",
		Environment: "test",
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown func")
	}
}

func TestSetup_DefaultEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown func")
	}
}
