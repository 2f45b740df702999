package debuglog

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDebugfGatedByConfigure(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, false)
	defer Configure(os.Stderr, false)
	Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected no debug output, got %q", buf.String())
	}
	Configure(&buf, true)
	Debugf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, false)
	defer Configure(os.Stderr, false)
	l := Logger("engine")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Fatalf("expected component field, got %q", buf.String())
	}
}

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true)
	defer Configure(os.Stderr, false)
	RateLimitedf("k", time.Hour, "first")
	RateLimitedf("k", time.Hour, "second")
	out := buf.String()
	if !strings.Contains(out, "first") || strings.Contains(out, "second") {
		t.Fatalf("unexpected rate limited output: %q", out)
	}
}
