package antiscrape

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateTrapHTML builds a hidden trap link, invisible to regular users
// but followed by scrapers that blindly crawl every link on a page. The
// path's last segment is an HMAC of the client IP, so each client sees a
// distinct trap URL; IsTrapRequest matches on the prefix alone and does
// not check that segment.
func GenerateTrapHTML(trapPathPrefix, clientIP, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientIP))
	hash := hex.EncodeToString(mac.Sum(nil))
	shortHash := hash[:12]

	return fmt.Sprintf(
		`<a href="%s/%s" style="position:absolute;left:-10000px;top:-10000px;width:1px;height:1px;overflow:hidden" aria-hidden="true" tabindex="-1"></a>`,
		trapPathPrefix, shortHash,
	)
}

// IsTrapRequest reports whether path falls under the trap path prefix.
func IsTrapRequest(path, trapPathPrefix string) bool {
	return strings.HasPrefix(path, trapPathPrefix)
}

// InjectTrap splices trapHTML immediately before the first case-insensitive
// </body> tag. Returns ok=false if body has no closing body tag.
func InjectTrap(body []byte, trapHTML string) ([]byte, bool) {
	lower := strings.ToLower(string(body))
	pos := strings.Index(lower, "</body>")
	if pos < 0 {
		return nil, false
	}

	result := make([]byte, 0, len(body)+len(trapHTML))
	result = append(result, body[:pos]...)
	result = append(result, trapHTML...)
	result = append(result, body[pos:]...)
	return result, true
}
