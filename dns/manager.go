// Package dns is an optional side-effect subscriber that registers and tears
// down a public DNS record for a proxy as it starts and stops, adapted from
// the original single Cloudflare domain manager generalized to key by proxy
// id instead of a project hostname and to be driven by ports.EventBus rather
// than being called synchronously from the lifecycle path.
package dns

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/luma-run/proxyfleet/ports"
)

// Config configures the Cloudflare integration. Enabled false makes Manager
// a no-op subscriber, so wiring it in unconditionally costs nothing when DNS
// automation isn't desired.
type Config struct {
	Enabled    bool
	APIToken   string
	ZoneID     string
	BaseDomain string
	ServerAddr string
}

type record struct {
	proxyID  string
	domain   string
	recordID string
}

// Manager subscribes to an EventBus and creates or deletes a Cloudflare DNS
// record for each proxy as it starts and stops.
type Manager struct {
	cfg Config
	api *cf.API

	mu      sync.Mutex
	records map[string]record // proxy id -> record
}

// NewManager constructs a Manager. If cfg.Enabled is false, no Cloudflare
// API client is created and every event is a no-op.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg, records: make(map[string]record)}
	if !cfg.Enabled {
		return m, nil
	}
	api, err := cf.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("dns: init cloudflare client: %w", err)
	}
	m.api = api
	return m, nil
}

// Subscribe registers this manager's handling of proxy lifecycle events on
// bus. Call once during wiring.
func (m *Manager) Subscribe(bus ports.EventBus) {
	bus.Subscribe(func(e ports.Event) {
		switch ev := e.(type) {
		case ports.ProxyStartEvent:
			if err := m.register(context.Background(), ev.ProxyID, ev.SpecID); err != nil {
				log.Printf("dns: register domain for proxy %s: %v", ev.ProxyID, err)
			}
		case ports.ProxyStopEvent:
			if err := m.unregister(context.Background(), ev.ProxyID); err != nil {
				log.Printf("dns: unregister domain for proxy %s: %v", ev.ProxyID, err)
			}
		}
	})
}

func (m *Manager) register(ctx context.Context, proxyID, specID string) error {
	if !m.cfg.Enabled {
		return nil
	}

	m.mu.Lock()
	if _, exists := m.records[proxyID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	subdomain := sanitizeForDNS(specID + "-" + proxyID)
	fullDomain := fmt.Sprintf("%s.%s", subdomain, m.cfg.BaseDomain)

	proxied := true
	params := cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    subdomain,
		Content: m.cfg.ServerAddr,
		TTL:     120,
		Proxied: &proxied,
	}

	rec, err := m.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(m.cfg.ZoneID), params)
	if err != nil {
		return fmt.Errorf("create DNS record for %s: %w", fullDomain, err)
	}

	m.mu.Lock()
	m.records[proxyID] = record{proxyID: proxyID, domain: fullDomain, recordID: rec.ID}
	m.mu.Unlock()

	log.Printf("dns: registered %s -> %s for proxy %s", fullDomain, m.cfg.ServerAddr, proxyID)
	return nil
}

func (m *Manager) unregister(ctx context.Context, proxyID string) error {
	if !m.cfg.Enabled {
		return nil
	}

	m.mu.Lock()
	rec, exists := m.records[proxyID]
	if exists {
		delete(m.records, proxyID)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}

	if err := m.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(m.cfg.ZoneID), rec.recordID); err != nil {
		return fmt.Errorf("delete DNS record %s: %w", rec.recordID, err)
	}
	log.Printf("dns: deleted %s for proxy %s", rec.domain, proxyID)
	return nil
}

// Domain returns the currently registered public domain for a proxy id, if
// any.
func (m *Manager) Domain(proxyID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.records[proxyID]
	return rec.domain, exists
}

func sanitizeForDNS(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 32
		default:
			return '-'
		}
	}, name)

	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "proxy"
	}
	return sanitized
}
