package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/core"
	"optionsbot/pkg/logging"
)

type captureChannel struct {
	mu     sync.Mutex
	events []core.AlertEvent
	err    error
	delay  time.Duration
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, event core.AlertEvent) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestManager_DeliversToAllChannels(t *testing.T) {
	m := NewManager(logging.Nop())
	defer m.Close()

	a, b := &captureChannel{}, &captureChannel{}
	m.AddChannel(a)
	m.AddChannel(b)

	m.Send(core.AlertEvent{Severity: core.SeverityInfo, Code: "RISK_RESIZE", Message: "resized 10 -> 5"})

	require.Eventually(t, func() bool {
		return a.count() == 1 && b.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, a.events[0].Timestamp.IsZero(), "timestamp should be stamped")
}

func TestManager_FailingChannelDoesNotBlock(t *testing.T) {
	m := NewManager(logging.Nop())
	defer m.Close()

	bad := &captureChannel{err: errors.New("unreachable")}
	good := &captureChannel{}
	m.AddChannel(bad)
	m.AddChannel(good)

	done := make(chan struct{})
	go func() {
		m.Send(core.AlertEvent{Severity: core.SeverityCritical, Code: "AMBIGUOUS_STATE", Message: "order unmanaged"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a failing channel")
	}

	require.Eventually(t, func() bool { return good.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), core.AlertEvent{
		Severity:  core.SeverityWarning,
		Code:      "RISK_REJECT",
		Message:   "notional exceeds limit",
		Context:   map[string]string{"contract": "SPY261016C00450000"},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "RISK_REJECT", got["code"])
}

func TestTelegramChannel_NoCredentialsIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), core.AlertEvent{Code: "X"}))
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(logging.Nop())
	for _, sev := range []core.AlertSeverity{core.SeverityInfo, core.SeverityWarning, core.SeverityError, core.SeverityCritical} {
		assert.NoError(t, ch.Send(context.Background(), core.AlertEvent{Severity: sev, Code: "T"}))
	}
}
