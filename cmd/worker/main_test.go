package main

import (
	"bytes"
	"strings"
	"testing"

	"rextrack-worker-go/internal/config"
)

func TestWriteSources(t *testing.T) {
	doc := `
tracking:
  confidence: 0.5
sources:
  - id: cam1
    uri: rtsp://10.0.0.1/stream
    enabled: true
    roi: [0, 0, 100, 50]
  - id: cam2
    uri: rtsp://10.0.0.2/stream
    override:
      period_frames: 2
`
	sc, err := config.ParseSources([]byte(doc), "yaml", nil)
	if err != nil {
		t.Fatalf("ParseSources: %v", err)
	}
	var buf bytes.Buffer
	if err := writeSources(&buf, sc); err != nil {
		t.Fatalf("writeSources: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d; want 2\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "cam1\t") || !strings.Contains(lines[0], "roi=[0,0,100,50]") || !strings.Contains(lines[0], "confidence=0.50") {
		t.Fatalf("cam1 line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "enabled=false") || !strings.Contains(lines[1], "period=2") {
		t.Fatalf("cam2 line = %q", lines[1])
	}

	buf.Reset()
	if err := writeSources(&buf, config.DefaultSourcesConfig(nil)); err != nil || !strings.Contains(buf.String(), "no sources") {
		t.Fatalf("empty config output = %q, %v", buf.String(), err)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "check", "sources"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
	root.SetArgs([]string{"check"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("check without uri succeeded")
	}
}
