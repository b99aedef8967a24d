package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"realtime", old.Realtime, new.Realtime},
		{"audio", old.Audio, new.Audio},
		{"turn", old.Turn, new.Turn},
		{"actions", old.Actions, new.Actions},
		{"conversation", old.Conversation, new.Conversation},
		{"retry", old.Retry, new.Retry},
		{"stream", old.Stream, new.Stream},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
