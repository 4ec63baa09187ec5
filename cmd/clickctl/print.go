package main

import (
	"fmt"
	"time"

	"clickd/internal/ctl"
)

const timeLayout = "2006-01-02 15:04:05"

func printSystem(s *ctl.SystemStatus) {
	version := s.Version
	if version == "" {
		version = "unknown"
	}
	fmt.Printf("clickd %s\n", version)
	fmt.Printf("  uptime:    %s (since %s)\n", s.Uptime, s.StartedAt.Local().Format(timeLayout))
	fmt.Printf("  pause:     %s\n", onOff(s.GlobalPause))
	fmt.Printf("  targets:   %d configured, %d in flight\n", s.TargetsConfigured, s.InFlight)
	fmt.Printf("  timers:    %d total, %d active, %d paused\n", s.TimersTotal, s.TimersActive, s.TimersPaused)
	fmt.Printf("  breaker:   %d tracked, %d open\n", s.BreakerTracked, s.BreakerOpen)
	fmt.Printf("  recovery:  %d tracked, %d exhausted\n", s.RecoveryTracked, s.RecoveryExhausted)
	last := "never"
	if s.LastHealthPass != nil {
		last = s.LastHealthPass.Local().Format(timeLayout)
	}
	fmt.Printf("  health:    %d passes, last %s\n", s.HealthPasses, last)
}

func printTargets(targets []ctl.TargetStatus) {
	if len(targets) == 0 {
		fmt.Println("clickctl: no targets known")
		return
	}
	fmt.Printf("%-20s %-10s %-9s %-20s %s\n", "ID", "STATE", "INTERVAL", "NEXT FIRE", "NOTES")
	for i := range targets {
		t := &targets[i]
		next := "-"
		if t.NextFire != nil {
			next = t.NextFire.Local().Format(timeLayout)
		}
		fmt.Printf("%-20s %-10s %-9s %-20s %s\n",
			clip(t.ID, 20), targetState(t), orDash(t.Interval), next, targetNotes(t))
	}
}

func printTarget(t *ctl.TargetStatus) {
	fmt.Printf("target %s\n", t.ID)
	if t.Configured {
		match := t.Match
		if match == "" {
			match = "(any)"
		}
		fmt.Printf("  configured: yes, match %q\n", match)
	} else {
		fmt.Printf("  configured: no (ad hoc)\n")
	}
	fmt.Printf("  state:      %s\n", targetState(t))
	if t.Interval != "" {
		fmt.Printf("  interval:   %s\n", t.Interval)
	}
	if t.Paused && t.Remaining != "" {
		fmt.Printf("  remaining:  %s\n", t.Remaining)
	}
	if t.NextFire != nil {
		next := t.NextFire.Local()
		fmt.Printf("  next fire:  %s (%s)\n", next.Format(timeLayout), untilText(next))
	}
	if t.Retries > 0 {
		fmt.Printf("  retries:    %d\n", t.Retries)
	}
	if t.LastError != "" {
		fmt.Printf("  last error: %s\n", t.LastError)
	}
	if t.BreakerOpen || t.Failures > 0 {
		fmt.Printf("  breaker:    %s, %d consecutive failures\n", openClosed(t.BreakerOpen), t.Failures)
	}
}

func printAction(verb string, t *ctl.TargetStatus) {
	extra := ""
	switch {
	case t.Paused:
		extra = ", remaining " + orDash(t.Remaining)
	case t.NextFire != nil:
		extra = ", next fire " + untilText(t.NextFire.Local())
	}
	fmt.Printf("clickctl: %s %s (%s%s)\n", verb, t.ID, targetState(t), extra)
}

func targetState(t *ctl.TargetStatus) string {
	switch {
	case !t.Timer:
		return "stopped"
	case t.Paused:
		return "paused"
	case t.Active:
		return "active"
	default:
		return "idle"
	}
}

func targetNotes(t *ctl.TargetStatus) string {
	var notes []string
	if t.AdminPaused {
		notes = append(notes, "paused in config")
	}
	if t.Retries > 0 {
		notes = append(notes, fmt.Sprintf("%d retries", t.Retries))
	}
	if t.BreakerOpen {
		notes = append(notes, "breaker open")
	}
	if len(notes) == 0 {
		return "-"
	}
	out := notes[0]
	for _, n := range notes[1:] {
		out += ", " + n
	}
	return out
}

func untilText(next time.Time) string {
	d := time.Until(next)
	if d <= 0 {
		return "due now"
	}
	return "in " + d.Round(time.Second).String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func openClosed(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
