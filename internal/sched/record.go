package sched

import (
	"encoding/json"
	"time"
)

// recordsKey is the single store key holding all timer records. Writes are
// whole-envelope and last-wins; there is nothing transactional to lean on.
const recordsKey = "sched/records/v1"

const snapshotVersion = 1

// triggerPrefix namespaces the per-target triggers this service owns in
// the alarm runtime. Everything else registered there (heartbeat and
// friends) is outside its jurisdiction.
const triggerPrefix = "click:"

// TimerRecord is the durable scheduling state for one target.
//
// Active is false while a cycle is mid-flight or while paused; Paused
// tells those two apart (a record that died mid-cycle has both flags
// false and an expiration in the past, which restore treats as overdue).
// Remaining is only meaningful while Paused.
type TimerRecord struct {
	TargetID   string        `json:"target_id"`
	Interval   time.Duration `json:"interval"`
	StartTime  time.Time     `json:"start_time"`
	Expiration time.Time     `json:"expiration_time"`
	Active     bool          `json:"active"`
	Paused     bool          `json:"paused,omitempty"`
	Remaining  time.Duration `json:"remaining,omitempty"`
	HandleName string        `json:"handle_name"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
}

func (r *TimerRecord) clone() *TimerRecord {
	cp := *r
	return &cp
}

type snapshot struct {
	Version int                     `json:"version"`
	Records map[string]*TimerRecord `json:"records"`
}

func encodeSnapshot(records map[string]*TimerRecord) ([]byte, error) {
	return json.Marshal(snapshot{Version: snapshotVersion, Records: records})
}

func decodeSnapshot(raw []byte) (map[string]*TimerRecord, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	out := map[string]*TimerRecord{}
	for id, rec := range snap.Records {
		if rec == nil || rec.TargetID == "" {
			continue
		}
		if rec.HandleName == "" {
			rec.HandleName = triggerPrefix + rec.TargetID
		}
		out[id] = rec
	}
	return out, nil
}

// Status is the externally visible view of one record. Remaining is
// always computed from the persisted expiration, never from an in-memory
// countdown.
type Status struct {
	TargetID   string        `json:"target_id"`
	Exists     bool          `json:"exists"`
	Active     bool          `json:"active"`
	Paused     bool          `json:"paused"`
	Remaining  time.Duration `json:"remaining"`
	Interval   time.Duration `json:"interval"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	Expiration time.Time     `json:"expiration_time"`
}
