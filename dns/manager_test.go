package dns

import (
	"context"
	"testing"

	"github.com/luma-run/proxyfleet/ports"
)

func TestNewManager_DisabledSkipsClientInit(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.api != nil {
		t.Fatalf("expected no cloudflare client when disabled")
	}
}

func TestManager_DisabledIsANoOp(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.register(context.Background(), "p1", "spec1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, exists := m.Domain("p1"); exists {
		t.Fatalf("expected no domain recorded while disabled")
	}
	if err := m.unregister(context.Background(), "p1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func TestManager_SubscribeIgnoresUnrelatedEvents(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var handler func(ports.Event)
	bus := recordingBus{register: func(f func(ports.Event)) { handler = f }}
	m.Subscribe(bus)

	handler(ports.ProxyPauseEvent{ProxyID: "p1"})
	if _, exists := m.Domain("p1"); exists {
		t.Fatalf("expected unrelated events to leave records untouched")
	}
}

func TestSanitizeForDNS(t *testing.T) {
	cases := map[string]string{
		"MySpec_Proxy123": "myspec-proxy123",
		"a---b":           "a-b",
		"--leading":       "leading",
		"trailing--":      "trailing",
		"":                "proxy",
		"!!!":             "proxy",
	}
	for in, want := range cases {
		if got := sanitizeForDNS(in); got != want {
			t.Fatalf("sanitizeForDNS(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingBus struct {
	register func(func(ports.Event))
}

func (b recordingBus) Publish(ports.Event)              {}
func (b recordingBus) Subscribe(f func(ports.Event)) { b.register(f) }
