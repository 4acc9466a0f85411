package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberweb/resourced/internal/shared/id"
)

func TestTokenCancelIdempotent(t *testing.T) {
	tok := NewToken()

	assert.False(t, tok.Cancelled())

	tok.Cancel()
	assert.True(t, tok.Cancelled())

	// Second cancel is equivalent to the first
	tok.Cancel()
	assert.True(t, tok.Cancelled())

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done channel should be closed after cancel")
	}
}

func TestTokenConcurrentCancel(t *testing.T) {
	tok := NewToken()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
			_ = tok.Cancelled()
		}()
	}
	wg.Wait()

	assert.True(t, tok.Cancelled())
}

func TestGetOrCreateSharesLiveToken(t *testing.T) {
	reg := NewRegistry()
	reqID := id.NewRequestID()

	ref1 := reg.GetOrCreate(reqID)
	ref2 := reg.GetOrCreate(reqID)

	assert.Same(t, ref1.Token, ref2.Token)
	assert.Equal(t, 1, reg.Len())

	ref1.Release()
	ref2.Release()
}

func TestGetOrCreateAfterReleaseCreatesFresh(t *testing.T) {
	reg := NewRegistry()
	reqID := id.NewRequestID()

	ref1 := reg.GetOrCreate(reqID)
	old := ref1.Token
	old.Cancel()
	ref1.Release()

	// All strong holders dropped: the next lookup must not resurrect
	// the cancelled token.
	ref2 := reg.GetOrCreate(reqID)
	defer ref2.Release()

	assert.NotSame(t, old, ref2.Token)
	assert.False(t, ref2.Token.Cancelled())
}

func TestCancelAll(t *testing.T) {
	reg := NewRegistry()

	liveID := id.NewRequestID()
	deadID := id.NewRequestID()
	unknownID := id.NewRequestID()

	live := reg.GetOrCreate(liveID)
	defer live.Release()

	dead := reg.GetOrCreate(deadID)
	deadTok := dead.Token
	dead.Release()

	reg.CancelAll([]id.RequestID{liveID, deadID, unknownID})

	assert.True(t, live.Token.Cancelled())
	// A released entry cannot be upgraded
	assert.False(t, deadTok.Cancelled())
}

func TestReleaseIdempotent(t *testing.T) {
	reg := NewRegistry()
	reqID := id.NewRequestID()

	ref1 := reg.GetOrCreate(reqID)
	ref2 := reg.GetOrCreate(reqID)

	ref1.Release()
	ref1.Release()
	ref1.Release()

	// ref2 still holds the entry live despite ref1's repeated releases
	assert.Equal(t, 1, reg.Len())

	reg.CancelAll([]id.RequestID{reqID})
	assert.True(t, ref2.Token.Cancelled())

	ref2.Release()
	assert.Equal(t, 0, reg.Len())
}

func TestLazyPruning(t *testing.T) {
	reg := NewRegistry()

	for i := 0; i < 10; i++ {
		ref := reg.GetOrCreate(id.NewRequestID())
		ref.Release()
	}
	assert.Equal(t, 0, reg.Len())

	// The next create sweeps the dead entries and registers one live.
	ref := reg.GetOrCreate(id.NewRequestID())
	defer ref.Release()
	assert.Equal(t, 1, reg.Len())
}

func TestConcurrentGetOrCreate(t *testing.T) {
	reg := NewRegistry()
	reqID := id.NewRequestID()

	const goroutines = 32
	tokens := make([]*Token, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ref := reg.GetOrCreate(reqID)
			tokens[n] = ref.Token
		}(i)
	}
	wg.Wait()

	require.NotNil(t, tokens[0])
	for i := 1; i < goroutines; i++ {
		assert.Same(t, tokens[0], tokens[i], "racing callers must share one token")
	}
}
