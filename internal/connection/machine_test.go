package connection

import (
	"testing"
	"time"

	"github.com/meszmate/anchor/internal/clock"
)

func newTestMachine(t *testing.T) (*Machine, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1000, 0))
	m := NewMachine(DefaultConfig(), fake, nil)
	return m, fake
}

func TestBackoffDelayFormula(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 64 * time.Second},
		{8, 120 * time.Second},
		{9, 120 * time.Second},
		{20, 120 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}

	prev := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := cfg.Delay(n)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", n, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %s", n, d)
		}
		prev = d
	}
}

func TestInitialConnectLifecycle(t *testing.T) {
	m, _ := newTestMachine(t)

	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	m.Connect()
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", m.State())
	}
	m.ConnectionSuccess()
	if m.State() != StateConnectedHealthy {
		t.Fatalf("expected connected, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 || ctx.LastError != "" {
		t.Fatalf("expected clean context on success, got %+v", ctx)
	}
}

func TestInitialFailureIsTerminal(t *testing.T) {
	m, fake := newTestMachine(t)

	m.Connect()
	m.ConnectionError("dial tcp: refused")

	if m.State() != StateTerminalInitialFailure {
		t.Fatalf("expected terminal initial failure, got %s", m.State())
	}
	if ctx := m.Context(); ctx.LastError != "dial tcp: refused" {
		t.Fatalf("expected lastError preserved, got %+v", ctx)
	}

	// No automatic retry from a terminal state.
	fake.Advance(10 * time.Minute)
	if m.State() != StateTerminalInitialFailure {
		t.Fatalf("terminal state must not retry, got %s", m.State())
	}

	// Manual reconnect is accepted and clears the error.
	m.Connect()
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting after manual reconnect, got %s", m.State())
	}
	if ctx := m.Context(); ctx.LastError != "" || ctx.Attempt != 0 {
		t.Fatalf("expected reset context, got %+v", ctx)
	}
}

func TestSocketDiedSchedulesBackoffRetry(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()

	m.SocketDied()
	if m.State() != StateReconnectWaiting {
		t.Fatalf("expected waiting, got %s", m.State())
	}
	ctx := m.Context()
	if ctx.Attempt != 1 || ctx.NextRetryDelay != time.Second {
		t.Fatalf("expected attempt 1 delay 1s, got %+v", ctx)
	}
	if ctx.RetryTarget.IsZero() {
		t.Fatalf("expected retry target to be set")
	}

	fake.Advance(time.Second)
	if m.State() != StateReconnectAttempting {
		t.Fatalf("expected attempting after delay, got %s", m.State())
	}
	if got := m.Context().RetryTarget; !got.IsZero() {
		t.Fatalf("expected retry target cleared, got %v", got)
	}
}

func TestReconnectBackoffGrowsAndSucceeds(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()

	fake.Advance(time.Second)
	m.ConnectionError("socket closed")
	if ctx := m.Context(); ctx.Attempt != 2 || ctx.NextRetryDelay != 2*time.Second {
		t.Fatalf("expected attempt 2 delay 2s, got %+v", ctx)
	}

	fake.Advance(2 * time.Second)
	m.ConnectionSuccess()
	if m.State() != StateConnectedHealthy {
		t.Fatalf("expected connected, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 || ctx.LastError != "" {
		t.Fatalf("success must reset attempt and error, got %+v", ctx)
	}
}

func TestMaxRetriesExhaustedThenManualConnect(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()

	for i := 0; i < 10; i++ {
		fake.Advance(m.Context().NextRetryDelay)
		if m.State() != StateReconnectAttempting {
			t.Fatalf("round %d: expected attempting, got %s", i, m.State())
		}
		m.ConnectionError("still down")
	}

	if m.State() != StateTerminalMaxRetries {
		t.Fatalf("expected terminal max retries, got %s", m.State())
	}

	m.Connect()
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 || ctx.LastError != "" || !ctx.RetryTarget.IsZero() {
		t.Fatalf("expected counters reset to zero, got %+v", ctx)
	}
}

func TestTriggerReconnectSkipsDelay(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()
	failAttempts(t, m, fake, 3) // attempts 2,3,4; delay now 8s

	m.TriggerReconnect()
	if m.State() != StateReconnectAttempting {
		t.Fatalf("expected attempting immediately, got %s", m.State())
	}

	// The skipped timer must not fire later and double-trigger.
	m.ConnectionSuccess()
	fake.Advance(time.Minute)
	if m.State() != StateConnectedHealthy {
		t.Fatalf("stale retry timer must not fire, got %s", m.State())
	}
}

// failAttempts advances through n failed reconnect attempts.
func failAttempts(t *testing.T, m *Machine, fake *clock.Fake, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		fake.Advance(m.Context().NextRetryDelay)
		m.ConnectionError("still down")
	}
}

func TestVisiblePromotesWaiting(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()

	m.Visible()
	if m.State() != StateReconnectAttempting {
		t.Fatalf("expected attempting on visible, got %s", m.State())
	}
}

func TestWakeVerificationBoundaryInclusive(t *testing.T) {
	cfg := DefaultConfig()

	// Exactly the session timeout still verifies.
	m := NewMachine(cfg, clock.NewFake(time.Unix(0, 0)), nil)
	m.Connect()
	m.ConnectionSuccess()
	m.Wake(cfg.SessionTimeout)
	if m.State() != StateConnectedVerifying {
		t.Fatalf("sleep == timeout must verify, got %s", m.State())
	}
	m.VerifySuccess()
	if m.State() != StateConnectedHealthy {
		t.Fatalf("expected healthy after verify, got %s", m.State())
	}

	// Strictly longer skips verification.
	m = NewMachine(cfg, clock.NewFake(time.Unix(0, 0)), nil)
	m.Connect()
	m.ConnectionSuccess()
	m.Wake(cfg.SessionTimeout + time.Millisecond)
	if m.State() != StateReconnectWaiting {
		t.Fatalf("sleep > timeout must reconnect, got %s", m.State())
	}
}

func TestVerifyFailedReconnects(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.Wake(time.Minute)
	m.VerifyFailed()

	if m.State() != StateReconnectWaiting {
		t.Fatalf("expected waiting after failed verify, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %+v", ctx)
	}
}

func TestWakeDuringWaitAttemptsImmediately(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()

	m.Wake(time.Minute)
	if m.State() != StateReconnectAttempting {
		t.Fatalf("expected attempting on wake, got %s", m.State())
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 || !ctx.RetryTarget.IsZero() {
		t.Fatalf("expected reset context, got %+v", ctx)
	}

	fake.Advance(time.Minute)
	if m.State() != StateDisconnected {
		t.Fatalf("cancelled timer must not fire, got %s", m.State())
	}

	// Disconnected accepts CONNECT directly.
	m.Connect()
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", m.State())
	}
}

func TestConflictAndAuthAreTerminal(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.Conflict()
	if m.State() != StateTerminalConflict {
		t.Fatalf("expected terminal conflict, got %s", m.State())
	}
	if ctx := m.Context(); ctx.LastError == "" {
		t.Fatalf("expected a specific conflict reason")
	}

	m2, _ := newTestMachine(t)
	m2.Connect()
	m2.ConnectionSuccess()
	m2.AuthError()
	if m2.State() != StateTerminalAuthFailed {
		t.Fatalf("expected terminal auth failure, got %s", m2.State())
	}
}

func TestTerminalFromReconnectResetsAttempt(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()
	m.Conflict()

	if m.State() != StateTerminalConflict {
		t.Fatalf("expected terminal conflict, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 {
		t.Fatalf("expected attempt reset, got %+v", ctx)
	}
}

func TestHealthyImpliesZeroAttempts(t *testing.T) {
	m, fake := newTestMachine(t)
	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()
	fake.Advance(time.Second)
	m.ConnectionError("down")
	fake.Advance(2 * time.Second)
	m.ConnectionSuccess()

	if m.State() != StateConnectedHealthy {
		t.Fatalf("expected healthy, got %s", m.State())
	}
	if ctx := m.Context(); ctx.Attempt != 0 {
		t.Fatalf("connected.healthy must have attempt==0, got %+v", ctx)
	}
}

func TestIgnoredEventsDoNotTransition(t *testing.T) {
	m, _ := newTestMachine(t)

	// idle ignores everything but CONNECT
	m.SocketDied()
	m.ConnectionSuccess()
	m.TriggerReconnect()
	m.VerifySuccess()
	if m.State() != StateIdle {
		t.Fatalf("idle must ignore non-connect events, got %s", m.State())
	}

	m.Connect()
	m.ConnectionSuccess()

	// connected ignores verify results outside verifying
	m.VerifySuccess()
	m.VerifyFailed()
	if m.State() != StateConnectedHealthy {
		t.Fatalf("expected healthy, got %s", m.State())
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var states []State
	m := NewMachine(DefaultConfig(), fake, func(s State, _ Context) {
		states = append(states, s)
	})

	m.Connect()
	m.ConnectionSuccess()
	m.SocketDied()
	fake.Advance(time.Second)

	want := []State{StateConnecting, StateConnectedHealthy, StateReconnectWaiting, StateReconnectAttempting}
	if len(states) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("notification %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}
