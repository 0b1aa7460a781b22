// Package reputation provides CIDR-based IP allow/block list matching,
// backed by an atomically-swappable prefix trie so reloads never block or
// tear in-flight lookups.
package reputation

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/veil-waf/veil-go/internal/trie"
)

// Action is the outcome of a reputation check.
type Action int

const (
	// ActionNone means neither list matched; later filters still apply.
	ActionNone Action = iota
	// ActionAllow means the address is allowlisted and bypasses later filters.
	ActionAllow
	// ActionBlock means the address is blocklisted and must be rejected.
	ActionBlock
)

// Matcher owns two independently-reloadable tries behind atomic pointers.
type Matcher struct {
	block atomic.Pointer[trie.Trie]
	allow atomic.Pointer[trie.Trie]
	log   *slog.Logger
}

// New returns a Matcher with empty block/allow lists.
func New(log *slog.Logger) *Matcher {
	m := &Matcher{log: log}
	m.block.Store(trie.New())
	m.allow.Store(trie.New())
	return m
}

// Check consults the allowlist first — a match there short-circuits to
// Allow without ever consulting the blocklist. Only then is the blocklist
// consulted.
func (m *Matcher) Check(addr net.IP) Action {
	if m.allow.Load().Contains(addr) {
		return ActionAllow
	}
	if m.block.Load().Contains(addr) {
		return ActionBlock
	}
	return ActionNone
}

// IsBlocked is a thin convenience wrapper over Check.
func (m *Matcher) IsBlocked(addr net.IP) bool {
	return m.Check(addr) == ActionBlock
}

// IsAllowed is a thin convenience wrapper over Check.
func (m *Matcher) IsAllowed(addr net.IP) bool {
	return m.Check(addr) == ActionAllow
}

// LoadBlocklist reads a reputation file and atomically replaces the
// blocklist trie, returning the number of entries loaded.
func (m *Matcher) LoadBlocklist(path string) (int, error) {
	t, count, err := loadTrieFromFile(path, m.log)
	if err != nil {
		return 0, err
	}
	m.block.Store(t)
	return count, nil
}

// LoadAllowlist reads a reputation file and atomically replaces the
// allowlist trie, returning the number of entries loaded.
func (m *Matcher) LoadAllowlist(path string) (int, error) {
	t, count, err := loadTrieFromFile(path, m.log)
	if err != nil {
		return 0, err
	}
	m.allow.Store(t)
	return count, nil
}

// Reload replaces both lists from the given paths in one call. Passing an
// empty path for either clears that list to empty rather than leaving it
// unchanged — this mirrors a full reconfiguration, not an incremental patch.
func (m *Matcher) Reload(blockPath, allowPath string) error {
	block, allow := trie.New(), trie.New()
	var err error
	if blockPath != "" {
		if block, _, err = loadTrieFromFile(blockPath, m.log); err != nil {
			return fmt.Errorf("reload blocklist: %w", err)
		}
	}
	if allowPath != "" {
		if allow, _, err = loadTrieFromFile(allowPath, m.log); err != nil {
			return fmt.Errorf("reload allowlist: %w", err)
		}
	}
	m.block.Store(block)
	m.allow.Store(allow)
	return nil
}

func loadTrieFromFile(path string, log *slog.Logger) (*trie.Trie, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t := trie.New()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		network, err := parseNetwork(line)
		if err != nil {
			if log != nil {
				log.Warn("skipping unparseable reputation entry", "line", line, "path", path, "error", err)
			}
			continue
		}
		t.Insert(network)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}

	return t, t.Len(), nil
}

// parseNetwork accepts either a CIDR or a bare IP address, wrapping a bare
// IPv4 address as /32 and a bare IPv6 address as /128.
func parseNetwork(s string) (*net.IPNet, error) {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not a valid CIDR or IP: %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}, nil
}
