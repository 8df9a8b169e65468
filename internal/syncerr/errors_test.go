package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("push entries/5: %w", New(KindTimeout, "push", errors.New("deadline")))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected wrapped timeout to match ErrTimeout")
	}
	if errors.Is(err, ErrServer) {
		t.Fatalf("timeout should not match ErrServer")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", KindOf(err))
	}
}

func TestFromStatusClassifiesServerAndClient(t *testing.T) {
	if FromStatus("fetch", 503, nil).Kind != KindServer {
		t.Fatalf("503 should be a server error")
	}
	if FromStatus("fetch", 429, nil).Kind != KindServer {
		t.Fatalf("429 should be treated as a server error")
	}
	if FromStatus("fetch", 404, nil).Kind != KindClient {
		t.Fatalf("404 should be a client error")
	}
}

func TestStorageDoesNotDoubleWrap(t *testing.T) {
	base := Storage("set", errors.New("disk full"))
	again := Storage("upsert", base)
	if again != base {
		t.Fatalf("expected storage error to be returned unchanged")
	}
	if Storage("noop", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
	if KindOf(fmt.Errorf("wrapped: %w", ErrStorage)) != KindStorage {
		t.Fatalf("bare sentinel should classify as storage")
	}
}
