package notifier

import (
	"fmt"
	"hash/fnv"

	"clickd/internal/eventbus"
	"clickd/internal/orchestrator"
	"clickd/internal/sched"
)

// defaultEvents is the filter used when the config lists none: only
// operator-actionable signals. Per-cycle outcomes and timer churn are
// opt-in.
var defaultEvents = []string{
	eventbus.TypeCircuitOpen,
	eventbus.TypeRecoveryExhausted,
	eventbus.TypeTargetGone,
	eventbus.TypeDaemonReady,
	eventbus.TypeDaemonStopping,
}

func eventFilter(events []string) map[string]bool {
	if len(events) == 0 {
		events = defaultEvents
	}
	m := make(map[string]bool, len(events))
	for _, e := range events {
		if e != "" {
			m[e] = true
		}
	}
	return m
}

// formatEvent renders one bus event as a single chat line. Unknown
// events render empty and are not sent.
func formatEvent(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case orchestrator.CircuitEvent:
		return fmt.Sprintf("\U0001F534 %s: circuit open after %d failures, cooling down", d.TargetID, d.Failures)
	case orchestrator.ExhaustedEvent:
		return fmt.Sprintf("\U0001F7E0 %s: recovery exhausted, retrying every %s", d.TargetID, d.Fallback)
	case orchestrator.TargetGoneEvent:
		return fmt.Sprintf("⚪ %s: target gone (%s), timer stopped", d.TargetID, d.Reason)
	case orchestrator.CycleEvent:
		switch e.Type {
		case eventbus.TypeCycleFailure:
			return fmt.Sprintf("❌ %s: cycle failed: %s", d.TargetID, d.Error)
		case eventbus.TypeCycleSuccess:
			if d.Details != "" {
				return fmt.Sprintf("✅ %s: %s", d.TargetID, d.Details)
			}
			return fmt.Sprintf("✅ %s: cycle ok", d.TargetID)
		}
	case sched.TimerEvent:
		switch e.Type {
		case eventbus.TypeTimerStarted:
			return fmt.Sprintf("⏱ %s: timer started (every %s)", d.TargetID, d.Interval)
		case eventbus.TypeTimerStopped:
			return fmt.Sprintf("⏹ %s: timer stopped", d.TargetID)
		}
	}

	switch e.Type {
	case eventbus.TypeDaemonReady:
		return "▶ clickd ready"
	case eventbus.TypeDaemonStopping:
		return "⏻ clickd stopping"
	}
	return ""
}

// dedupKey hashes the event type and rendered line. Two events that
// would read identically to the operator share a window.
func dedupKey(typ, line string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(line))
	return fmt.Sprintf("%x", h.Sum64())
}
