// Package disposable blocks enrollment from throwaway-mail domains. The
// domain list is fetched from a public blocklist, cached in memory, and
// refreshed periodically.
package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist checks address domains against a list of known disposable mail
// providers. The list is fetched lazily on first use and cached; a failed
// fetch is retried on the next check.
type Blocklist struct {
	url     string
	enabled bool
	log     zerolog.Logger

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  bool
}

// NewBlocklist creates a disposable-address blocklist. If enabled is false,
// IsBlocked always returns false without fetching the list.
func NewBlocklist(url string, enabled bool, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		log:     logger.With().Str("component", "disposable").Logger(),
	}
}

// Prefetch loads the blocklist so the first IsBlocked call does not pay for
// a network round trip. Errors are logged, not returned; IsBlocked retries
// lazily if the prefetch failed.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}
	if err := b.refresh(ctx); err != nil {
		b.log.Warn().Err(err).Msg("failed to prefetch disposable address blocklist")
		return
	}
	b.mu.RLock()
	n := len(b.domains)
	b.mu.RUnlock()
	b.log.Info().Int("domains", n).Msg("disposable address blocklist loaded")
}

// Run refreshes the blocklist on the given interval until ctx is cancelled,
// so newly listed domains are picked up without a restart.
func (b *Blocklist) Run(ctx context.Context, interval time.Duration) error {
	if !b.enabled || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.refresh(ctx); err != nil {
				b.log.Warn().Err(err).Msg("disposable address blocklist refresh failed")
			}
		}
	}
}

// IsBlocked reports whether domain appears on the blocklist. It returns
// false immediately when the blocklist is disabled.
func (b *Blocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	b.mu.RLock()
	if b.loaded {
		_, blocked := b.domains[strings.ToLower(domain)]
		b.mu.RUnlock()
		return blocked, nil
	}
	b.mu.RUnlock()

	// Not loaded yet (or the prefetch failed): fetch now.
	if err := b.refresh(ctx); err != nil {
		return false, fmt.Errorf("load disposable address blocklist: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.domains[strings.ToLower(domain)]
	return blocked, nil
}

func (b *Blocklist) refresh(ctx context.Context) error {
	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.domains = domains
	b.loaded = true
	b.mu.Unlock()
	return nil
}

func fetchDomains(ctx context.Context, url string) (map[string]struct{}, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create blocklist request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	return domains, nil
}
