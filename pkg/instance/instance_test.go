package instance

import (
	"errors"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	env := map[string]string{"COMMERCE_WORKER_ID": "cron-1", "DYNO": "web.2"}
	getenv := func(k string) string { return env[k] }
	host := func() (string, error) { return "box", nil }

	if got := resolve(getenv, host, 42); got != "cron-1" {
		t.Fatalf("expected explicit id, got %q", got)
	}
	delete(env, "COMMERCE_WORKER_ID")
	if got := resolve(getenv, host, 42); got != "web.2" {
		t.Fatalf("expected dyno, got %q", got)
	}
	delete(env, "DYNO")
	if got := resolve(getenv, host, 42); got != "box-42" {
		t.Fatalf("expected hostname-pid, got %q", got)
	}
	if got := resolve(getenv, func() (string, error) { return "", errors.New("no host") }, 7); got != "local-7" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
