package observability

import (
	"log/slog"
	"testing"
)

// SetTestDebugLogging assigns DEBUG level to slog Default logger for test duration
func SetTestDebugLogging(t *testing.T) {
	oldLevel := slog.SetLogLoggerLevel(slog.LevelDebug)
	if oldLevel != slog.LevelDebug {
		t.Logf("Setting slog level to %s", slog.LevelDebug)
		t.Cleanup(func() {
			t.Logf("Restoring slog level to %s", oldLevel)
			slog.SetLogLoggerLevel(oldLevel)
		})
	}
}

// TestLogger returns a DEBUG Logger that writes through t.Log.
func TestLogger(t *testing.T) *slog.Logger {
	hdlr := slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(hdlr)
}

type testWriter struct {
	t *testing.T
}

func (self testWriter) Write(p []byte) (int, error) {
	self.t.Helper()
	self.t.Log(string(p))
	return len(p), nil
}
