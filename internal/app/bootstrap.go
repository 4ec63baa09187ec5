package app

import (
	"time"

	"clickd/internal/config"
	"clickd/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

type TargetDiff = config.TargetDiff

var NewConfigManager = config.NewManager

var ValidateConfig = config.Validate

// SummarizeConfigChange produces a safe, structured summary of config diffs.
// Kept here as a compatibility alias so the wiring code reads without the
// config package prefix everywhere.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func parseDurationList(path string, raw []string, def []time.Duration) ([]time.Duration, error) {
	return config.ParseDurationList(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorOption = supervisor.SupervisorOption

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
