package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianswap/arbiter/internal/keyring"
)

// outcomeRecorder collects the single terminal outcome of a send.
type outcomeRecorder struct {
	mu      sync.Mutex
	done    chan struct{}
	outcome Outcome
	errMsg  string
	fires   int
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{done: make(chan struct{})}
}

func (r *outcomeRecorder) callback() Callback {
	record := func(o Outcome, msg string) {
		r.mu.Lock()
		r.outcome = o
		r.errMsg = msg
		r.fires++
		r.mu.Unlock()
		close(r.done)
	}
	return Callback{
		OnArrived:         func() { record(OutcomeArrived, "") },
		OnStoredInMailbox: func() { record(OutcomeStoredInMailbox, "") },
		OnFault:           func(msg string) { record(OutcomeFault, msg) },
	}
}

func (r *outcomeRecorder) wait(t *testing.T) (Outcome, string) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal outcome within 2s")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fires != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", r.fires)
	}
	return r.outcome, r.errMsg
}

func testRing(t *testing.T) keyring.PubKeyRing {
	t.Helper()
	kr, err := keyring.New()
	require.NoError(t, err)
	return kr.PubKeyRing()
}

func TestSendToOnlineRecipientArrives(t *testing.T) {
	tr := NewMemoryTransport(nil)
	ring := testRing(t)

	received := make(chan Envelope, 1)
	tr.Register("peer.onion:9999", ring, func(ctx context.Context, env Envelope) {
		received <- env
	})

	rec := newOutcomeRecorder()
	tr.SendEncryptedMailboxMessage(context.Background(), "peer.onion:9999", ring,
		Envelope{ID: "m1", Type: "test", TradeID: "t1"}, rec.callback())

	outcome, _ := rec.wait(t)
	assert.Equal(t, OutcomeArrived, outcome)

	select {
	case env := <-received:
		assert.Equal(t, "m1", env.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never received envelope")
	}
}

func TestSendToOfflineRecipientStores(t *testing.T) {
	tr := NewMemoryTransport(nil)
	ring := testRing(t)

	received := make(chan Envelope, 4)
	tr.Register("peer.onion:9999", ring, func(ctx context.Context, env Envelope) {
		received <- env
	})
	tr.SetOnline("peer.onion:9999", false)

	rec := newOutcomeRecorder()
	tr.SendEncryptedMailboxMessage(context.Background(), "peer.onion:9999", ring,
		Envelope{ID: "m2", Type: "test"}, rec.callback())

	outcome, _ := rec.wait(t)
	assert.Equal(t, OutcomeStoredInMailbox, outcome)

	// Nothing delivered while offline.
	select {
	case <-received:
		t.Fatal("message delivered to offline recipient")
	case <-time.After(50 * time.Millisecond):
	}

	// Coming online drains the queue.
	tr.SetOnline("peer.onion:9999", true)
	select {
	case env := <-received:
		assert.Equal(t, "m2", env.ID)
	case <-time.After(time.Second):
		t.Fatal("queued message never delivered after recipient came online")
	}
}

func TestSendToUnknownRecipientFaults(t *testing.T) {
	tr := NewMemoryTransport(nil)

	rec := newOutcomeRecorder()
	tr.SendEncryptedMailboxMessage(context.Background(), "nobody.onion:9999", testRing(t),
		Envelope{ID: "m3"}, rec.callback())

	outcome, errMsg := rec.wait(t)
	assert.Equal(t, OutcomeFault, outcome)
	assert.Contains(t, errMsg, "recipient unknown")
}

func TestSendWithWrongRingFaults(t *testing.T) {
	tr := NewMemoryTransport(nil)
	tr.Register("peer.onion:9999", testRing(t), func(ctx context.Context, env Envelope) {})

	rec := newOutcomeRecorder()
	tr.SendEncryptedMailboxMessage(context.Background(), "peer.onion:9999", testRing(t),
		Envelope{ID: "m4"}, rec.callback())

	outcome, errMsg := rec.wait(t)
	assert.Equal(t, OutcomeFault, outcome)
	assert.Contains(t, errMsg, "key ring mismatch")
}

func TestPendingTracker(t *testing.T) {
	p := NewPendingTracker()
	assert.False(t, p.HasPending())

	p.Add("m1")
	p.Add("m2")
	assert.True(t, p.HasPending())
	assert.Equal(t, []string{"m1", "m2"}, p.Pending())

	p.Resolve("m1")
	assert.Equal(t, []string{"m2"}, p.Pending())

	p.Resolve("m2")
	p.Resolve("m2") // resolving twice is harmless
	assert.False(t, p.HasPending())
}
