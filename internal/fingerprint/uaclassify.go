package fingerprint

import "strings"

// Pattern is a User-Agent classification result.
type Pattern int

const (
	KnownGoodBot Pattern = iota
	KnownBadBot
	Suspicious
	LikelyHuman
)

func (p Pattern) String() string {
	switch p {
	case KnownGoodBot:
		return "known_good_bot"
	case KnownBadBot:
		return "known_bad_bot"
	case Suspicious:
		return "suspicious"
	default:
		return "likely_human"
	}
}

var knownGoodBots = []string{
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"slurp", "facebookexternalhit", "twitterbot", "linkedinbot", "applebot",
}

var knownBadBots = []string{
	"curl", "wget", "python-requests", "python-urllib", "scrapy",
	"httpclient", "go-http-client", "java/", "libwww-perl", "mechanize",
	"phantom", "headlesschrome", "selenium",
}

var suspiciousPatterns = []string{
	"bot", "crawler", "spider", "scraper", "fetch", "scan",
}

// ClassifyUA classifies a User-Agent string against the known-bot pattern
// tables. Precedence is exactly top-to-bottom: the allowlist and good-bot
// table both win unconditionally over any bad-bot or suspicious signal.
func ClassifyUA(ua string, allowlist []string) Pattern {
	if ua == "" {
		return Suspicious
	}
	lower := strings.ToLower(ua)

	for _, allowed := range allowlist {
		if strings.Contains(lower, strings.ToLower(allowed)) {
			return KnownGoodBot
		}
	}
	for _, pattern := range knownGoodBots {
		if strings.Contains(lower, pattern) {
			return KnownGoodBot
		}
	}
	for _, pattern := range knownBadBots {
		if strings.Contains(lower, pattern) {
			return KnownBadBot
		}
	}

	looksLikeBrowser := strings.Contains(lower, "mozilla") &&
		(strings.Contains(lower, "chrome") || strings.Contains(lower, "firefox") ||
			strings.Contains(lower, "safari") || strings.Contains(lower, "edge"))

	if !looksLikeBrowser {
		for _, pattern := range suspiciousPatterns {
			if strings.Contains(lower, pattern) {
				return Suspicious
			}
		}
	}

	return LikelyHuman
}
