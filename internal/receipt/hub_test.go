package receipt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/pkg/models"
)

func result(domain string) models.InterceptionResult {
	return models.InterceptionResult{
		Domain:    domain,
		URL:       "https://" + domain + "/x",
		Timestamp: time.Now(),
	}
}

func drain(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.Recent(0)) >= want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubStoresRecent(t *testing.T) {
	h := NewHub(16, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Record("c1", result("a.com"))
	h.Record("c1", result("b.com"))
	h.Record("c2", result("c.com"))
	drain(t, h, 3)

	entries := h.Recent(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.com", entries[0].Result.Domain)
	assert.Equal(t, "c.com", entries[2].Result.Domain)

	// Limited reads return the newest entries, newest last.
	entries = h.Recent(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.com", entries[0].Result.Domain)
	assert.Equal(t, "c.com", entries[1].Result.Domain)
}

func TestHubRingWraps(t *testing.T) {
	h := NewHub(4, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	for i := 0; i < 10; i++ {
		h.Record("c1", result(fmt.Sprintf("d%d.com", i)))
	}

	require.Eventually(t, func() bool {
		entries := h.Recent(0)
		return len(entries) == 4 && entries[3].Result.Domain == "d9.com"
	}, 2*time.Second, 5*time.Millisecond)

	entries := h.Recent(0)
	assert.Equal(t, "d6.com", entries[0].Result.Domain)
}

func TestRecordNeverBlocks(t *testing.T) {
	// No consumer running: the channel fills, then records drop.
	h := NewHub(8, zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.Record("c1", result("x.com"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked under backpressure")
	}
}
