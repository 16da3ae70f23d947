package config

import (
	"os"
	"testing"
	"time"
)

func TestWatchFiresOnWrite(t *testing.T) {
	path := writeConfig(t, `{}`)

	fired := make(chan struct{}, 1)
	stop, err := Watch(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`{"metrics_listen": ":9377"}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("reload callback never fired")
	}
}

func TestWatchStops(t *testing.T) {
	path := writeConfig(t, `{}`)

	fired := make(chan struct{}, 8)
	stop, err := Watch(path, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	stop()

	if err := os.WriteFile(path, []byte(`{"metrics_listen": ":1"}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case <-fired:
		t.Errorf("callback fired after stop")
	case <-time.After(500 * time.Millisecond):
	}
}
