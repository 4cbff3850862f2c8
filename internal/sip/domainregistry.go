package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/flowpbx/signalrtc/internal/store"
)

// DomainRegistry resolves a request's destination host to an owned domain
// name. It is loaded once at startup and is read-only thereafter.
type DomainRegistry struct {
	mu     sync.RWMutex
	byName map[string]store.Domain // lowercase name -> domain
	alias  map[string]string       // lowercase alias -> canonical name
}

// NewDomainRegistry loads every domain (and its aliases) from the
// repository. It fails if no domains are configured, since a registrar
// with no hosted domains can serve nothing.
func NewDomainRegistry(ctx context.Context, domains store.DomainRepository) (*DomainRegistry, error) {
	list, err := domains.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading domains: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no domains configured")
	}

	r := &DomainRegistry{
		byName: make(map[string]store.Domain, len(list)),
		alias:  make(map[string]string),
	}
	for _, d := range list {
		key := strings.ToLower(d.Name)
		r.byName[key] = d
		for _, alias := range d.Aliases {
			aliasKey := strings.ToLower(alias)
			if existing, ok := r.alias[aliasKey]; ok && existing != d.Name {
				// duplicate alias across domains: first wins
				slog.Warn("ignoring duplicate domain alias", "alias", alias, "domain", d.Name, "kept", existing)
				continue
			}
			r.alias[aliasKey] = d.Name
		}
	}
	return r, nil
}

// Canonicalise resolves a Request-URI or To-header host to the owned
// domain's canonical name, case-insensitively. It checks the direct name
// first, then falls back to the alias table. Returns "" if no domain
// matches.
func (r *DomainRegistry) Canonicalise(host string) string {
	key := strings.ToLower(host)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byName[key]; ok {
		return d.Name
	}
	if name, ok := r.alias[key]; ok {
		return name
	}
	return ""
}

// Resolve is Canonicalise plus the domain's persisted id, needed by
// callers (Registrar Core, B2BUA Core) that look up accounts scoped to a
// domain id rather than its name.
func (r *DomainRegistry) Resolve(host string) (domainID int64, canonicalName string, ok bool) {
	name := r.Canonicalise(host)
	if name == "" {
		return 0, "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	d, found := r.byName[strings.ToLower(name)]
	if !found {
		return 0, "", false
	}
	return d.ID, d.Name, true
}
