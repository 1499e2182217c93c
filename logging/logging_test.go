package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)

	SetLogLevel(Info)
	Debugf("hidden %v", 1)
	Infof("shown %v", 2)
	Warnf("also shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message leaked at info level: %q", out)
	}
	if !strings.Contains(out, "shown 2") || !strings.Contains(out, "also shown") {
		t.Errorf("expected info and warn output, got %q", out)
	}

	buf.Reset()
	SetLogLevel(Trace)
	Tracef("trace now visible")
	if !strings.Contains(buf.String(), "trace now visible") {
		t.Errorf("trace output missing at trace level")
	}
	SetLogLevel(Info)
}

func TestLevelParsing(t *testing.T) {
	cases := map[string]LogLevel{
		"silent": Silent,
		"FATAL":  Fatal,
		"Error":  Error,
		"warn":   Warn,
		"info":   Info,
		"DEBUG":  Debug,
		"trace":  Trace,
		"bogus":  Info,
	}
	for in, want := range cases {
		if got := Level(in); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
	for _, lvl := range []LogLevel{Silent, Fatal, Error, Warn, Info, Debug, Trace} {
		if lvl.String() == "" {
			t.Errorf("missing name for level %d", lvl)
		}
	}
}

func TestIsEnabled(t *testing.T) {
	SetLogLevel(Warn)
	if IsEnabled(Info) {
		t.Errorf("info must be disabled at warn level")
	}
	if !IsEnabled(Error) {
		t.Errorf("error must be enabled at warn level")
	}
	SetLogLevel(Info)
}
