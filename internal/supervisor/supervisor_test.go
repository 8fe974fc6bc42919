package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestLineScraperFindsTunnelURL(t *testing.T) {
	var got string
	scraper := newLineScraper(func(line string) {
		if match := tunnelURLPattern.FindString(line); match != "" {
			got = match
		}
	})
	scraper.Write([]byte("starting tunnel...\n"))
	scraper.Write([]byte("forwarding to https://abc123.trycloudflare.com\n"))
	if got != "https://abc123.trycloudflare.com" {
		t.Errorf("got %q", got)
	}
}

func TestLineScraperHandlesPartialWrites(t *testing.T) {
	var lines []string
	scraper := newLineScraper(func(line string) { lines = append(lines, line) })
	scraper.Write([]byte("hello "))
	scraper.Write([]byte("world\nsecond li"))
	scraper.Write([]byte("ne\n"))
	if len(lines) != 2 || lines[0] != "hello world" || lines[1] != "second line" {
		t.Errorf("lines = %#v", lines)
	}
}

func TestOnTunnelLinePublishesState(t *testing.T) {
	s := New(nil, nil, "")
	s.onTunnelLine("ready at https://foo.example.com/path")

	select {
	case u := <-s.State:
		if u.TunnelURL != "https://foo.example.com/path" {
			t.Errorf("TunnelURL = %q", u.TunnelURL)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state update")
	}
}

func TestShutdownKillsChildAfterGrace(t *testing.T) {
	// The child ignores SIGTERM, so only the SIGKILL after killGrace stops it.
	cmd := exec.Command("sh", "-c", `trap "" TERM; exec sleep 30`)
	s := New(cmd, nil, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestWatchSocketDetectsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create socket placeholder: %v", err)
	}
	f.Close()

	s := New(nil, nil, "")
	removed := make(chan struct{}, 1)
	if err := s.WatchSocket(path, func() { removed <- struct{}{} }); err != nil {
		t.Fatalf("watch socket: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal notification")
	}
}
