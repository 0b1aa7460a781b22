// Package fingerprint computes lightweight HTTP fingerprints (header
// ordering, Accept tuple, User-Agent family) used as bot-detection signals.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HTTP carries the three fingerprint facets computed for a single request.
type HTTP struct {
	HeaderOrderHash string
	UAFamily        string
	AcceptHash      string
}

// Header is a single request header, preserving request order.
type Header struct {
	Name  string
	Value string
}

// Compute builds the fingerprint from the ordered header list.
func Compute(headers []Header) HTTP {
	names := make([]string, 0, len(headers))
	values := map[string]string{}
	for _, h := range headers {
		lower := strings.ToLower(h.Name)
		names = append(names, lower)
		values[lower] = h.Value
	}

	return HTTP{
		HeaderOrderHash: sha256Hex(strings.Join(names, ",")),
		UAFamily:        extractUAFamily(values["user-agent"]),
		AcceptHash: sha256Hex(strings.Join([]string{
			values["accept"], values["accept-encoding"], values["accept-language"],
		}, "|")),
	}
}

// HasStandardAccept reports whether the Accept header is present,
// non-empty, and not the wildcard "*/*".
func HasStandardAccept(headers []Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "accept") {
			return h.Value != "" && h.Value != "*/*"
		}
	}
	return false
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// extractUAFamily classifies the User-Agent into a coarse family token.
// Precedence is exact and top-to-bottom: chrome excludes chromium/edg,
// safari excludes chrome, edge matches the "edg" substring used by
// Chromium-based Edge builds.
func extractUAFamily(ua string) string {
	if ua == "" {
		return "empty"
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "chrome") && !strings.Contains(lower, "chromium") && !strings.Contains(lower, "edg"):
		return "chrome"
	case strings.Contains(lower, "firefox"):
		return "firefox"
	case strings.Contains(lower, "safari") && !strings.Contains(lower, "chrome"):
		return "safari"
	case strings.Contains(lower, "edg"):
		return "edge"
	case strings.Contains(lower, "curl"):
		return "curl"
	case strings.Contains(lower, "wget"):
		return "wget"
	case strings.Contains(lower, "python-requests") || strings.Contains(lower, "python-urllib"):
		return "python"
	case strings.Contains(lower, "scrapy"):
		return "scrapy"
	case strings.Contains(lower, "googlebot"):
		return "googlebot"
	case strings.Contains(lower, "bingbot"):
		return "bingbot"
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider"):
		return "bot-generic"
	default:
		return "other"
	}
}
