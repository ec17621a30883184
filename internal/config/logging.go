package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full ubus
// requests and replies. Client tables are large, so it is meant for
// chasing a firmware-specific reply shape, not everyday debugging.
// -8 matches the OpenTelemetry Trace severity.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level setting to an [slog.Level]. Names are
// case-insensitive: trace, debug, info (also ""), warn or warning,
// error. A plain integer is taken as a raw slog level, so "-4" is
// debug.
func ParseLogLevel(s string) (slog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return slog.LevelInfo, nil
	}
	if l, ok := levelNames[s]; ok {
		return l, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// LevelName renders l the way log output shows it, with "TRACE" for
// [LevelTrace].
func LevelName(l slog.Level) string {
	if l == LevelTrace {
		return "TRACE"
	}
	return l.String()
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] that
// prints [LevelTrace] as "TRACE" instead of slog's "DEBUG-4".
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue(LevelName(level))
	}
	return a
}
