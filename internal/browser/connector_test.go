package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCombineContextHonorsOperationCancel(t *testing.T) {
	t.Parallel()
	pageCtx, pageCancel := context.WithCancel(context.Background())
	defer pageCancel()
	opCtx, opCancel := context.WithCancel(context.Background())

	combined, cancel := combineContext(pageCtx, opCtx)
	defer cancel()

	select {
	case <-combined.Done():
		t.Fatal("combined context ended prematurely")
	default:
	}

	opCancel()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelling the operation context must end the combined context")
	}
	// The page context itself stays alive.
	assert.NoError(t, pageCtx.Err())
}

func TestCombineContextHonorsPageCancel(t *testing.T) {
	t.Parallel()
	pageCtx, pageCancel := context.WithCancel(context.Background())
	combined, cancel := combineContext(pageCtx, context.Background())
	defer cancel()

	pageCancel()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelling the page context must end the combined context")
	}
}

func TestConnectTimesOutAgainstDeadEndpoint(t *testing.T) {
	t.Parallel()
	c := NewChromedpConnector(zaptest.NewLogger(t), 150*time.Millisecond)

	// Nothing listens here; the dial must fail or the deadline must
	// cut it off, and either way the kind is ConnectTimeout or a
	// channel failure, never a hang.
	start := time.Now()
	_, err := c.Connect(context.Background(), "ws://127.0.0.1:1/devtools/browser/dead")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	kind := Classify(err)
	assert.Contains(t, []Kind{KindConnectTimeout, KindChannelClosed}, kind)
}
