package botdetect

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChallengeCookieName is the cookie carrying a solved JS proof-of-work
// challenge.
const ChallengeCookieName = "__l7w_bc"

// GenerateChallenge renders a self-contained HTML page that runs an
// in-browser SHA-256 proof-of-work loop, then sets the challenge cookie and
// reloads. The HMAC over the server-chosen challenge string (not the PoW
// hash itself) is the actual security property; the PoW only imposes cost.
func GenerateChallenge(clientIP string, difficulty int, secret string) string {
	timestamp := time.Now().Unix()
	challengeData := fmt.Sprintf("%s:%d", clientIP, timestamp)
	hmacValue := computeChallengeHMAC(secret, challengeData+":verified")

	return fmt.Sprintf(challengeHTMLTemplate,
		challengeData, difficulty, hmacValue, clientIP, timestamp)
}

const challengeHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
<title>Checking your browser...</title>
<style>
body { font-family: -apple-system, sans-serif; display: flex; justify-content: center;
  align-items: center; min-height: 100vh; margin: 0; background: #0a0a0a; color: #e0e0e0; }
.container { text-align: center; max-width: 400px; }
.spinner { width: 40px; height: 40px; border: 3px solid #333; border-top: 3px solid #3b82f6;
  border-radius: 50%%; animation: spin 1s linear infinite; margin: 20px auto; }
@keyframes spin { to { transform: rotate(360deg); } }
p { color: #888; font-size: 14px; }
</style>
</head>
<body>
<div class="container">
  <h2>Verifying you are human</h2>
  <div class="spinner"></div>
  <p id="status">Running browser check...</p>
</div>
<script>
(async function() {
  const challenge = "%s";
  const difficulty = %d;
  const hmac = "%s";
  const ip = "%s";
  const ts = "%d";

  async function sha256(msg) {
    const data = new TextEncoder().encode(msg);
    const buf = await crypto.subtle.digest('SHA-256', data);
    return Array.from(new Uint8Array(buf)).map(b => b.toString(16).padStart(2, '0')).join('');
  }

  function hasLeadingZeros(hash, bits) {
    const fullBytes = Math.floor(bits / 4);
    const prefix = hash.substring(0, fullBytes);
    for (let i = 0; i < prefix.length; i++) {
      if (prefix[i] !== '0') return false;
    }
    if (bits %% 4 !== 0) {
      const nextChar = parseInt(hash[fullBytes], 16);
      const remaining = bits %% 4;
      if (nextChar >= (1 << (4 - remaining))) return false;
    }
    return true;
  }

  let nonce = 0;
  let hash = '';
  const statusEl = document.getElementById('status');
  const startTime = Date.now();

  while (true) {
    hash = await sha256(challenge + ':' + nonce);
    if (hasLeadingZeros(hash, difficulty)) break;
    nonce++;
    if (nonce %% 1000 === 0) {
      statusEl.textContent = 'Computing... (' + nonce + ' hashes)';
      await new Promise(r => setTimeout(r, 0));
    }
  }

  const elapsed = Date.now() - startTime;
  statusEl.textContent = 'Verified in ' + elapsed + 'ms. Redirecting...';

  const cookieValue = ip + ':' + ts + ':' + hash + ':' + hmac;
  document.cookie = '__l7w_bc=' + encodeURIComponent(cookieValue) + ';path=/;max-age=3600;SameSite=Lax';

  setTimeout(function() { window.location.reload(); }, 500);
})();
</script>
</body>
</html>`

// VerifyChallengeCookie reports whether cookieValue is a valid, unexpired
// challenge cookie for clientIP. The PoW hash field is never re-verified
// server-side; the HMAC over the server-chosen challenge string is the
// enforced property, the PoW only imposes client-side cost.
func VerifyChallengeCookie(cookieValue, clientIP, secret string, ttlSecs int64) bool {
	parts := strings.SplitN(cookieValue, ":", 4)
	if len(parts) != 4 {
		return false
	}
	cookieIP, cookieTS, _, cookieHMAC := parts[0], parts[1], parts[2], parts[3]

	if cookieIP != clientIP {
		return false
	}

	ts, err := strconv.ParseInt(cookieTS, 10, 64)
	if err != nil {
		return false
	}

	now := time.Now().Unix()
	elapsed := now - ts
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > ttlSecs {
		return false
	}

	expected := computeChallengeHMAC(secret, fmt.Sprintf("%s:%s:verified", cookieIP, cookieTS))
	return hmac.Equal([]byte(expected), []byte(cookieHMAC))
}

func computeChallengeHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// ExtractChallengeCookie pulls the __l7w_bc value out of a raw Cookie
// header, URL-decoding %XX and '+' to space.
func ExtractChallengeCookie(cookieHeader string) (string, bool) {
	for _, cookie := range strings.Split(cookieHeader, ";") {
		cookie = strings.TrimSpace(cookie)
		if value, ok := strings.CutPrefix(cookie, ChallengeCookieName+"="); ok {
			return urldecodePlus(value), true
		}
	}
	return "", false
}

// urldecodePlus decodes %XX sequences and converts '+' to space.
func urldecodePlus(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			if i+2 < len(s) {
				if v, err := hex.DecodeString(s[i+1 : i+3]); err == nil && len(v) == 1 {
					b.WriteByte(v[0])
					i += 2
					continue
				}
			}
			b.WriteByte('%')
		case '+':
			b.WriteByte(' ')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
