// Package antiscrape implements defenses against automated content
// harvesting that go beyond per-request bot scoring: honeypot traps,
// invisible response watermarking, and an arithmetic CAPTCHA challenge,
// all tied together by per-IP scraping-session tracking.
package antiscrape

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// CaptchaCookieName is the cookie carrying a solved arithmetic CAPTCHA.
const CaptchaCookieName = "__l7w_captcha"

// GenerateCaptchaPage renders a self-hosted arithmetic CAPTCHA as an SVG
// with random noise lines, plus a form that sets the answer cookie and
// redirects back to originalPath on submit.
func GenerateCaptchaPage(clientIP, secret, originalPath string) string {
	a := 2 + rand.Intn(48)
	b := 2 + rand.Intn(48)
	answer := a + b

	var noise strings.Builder
	for i := 0; i < 5; i++ {
		x1, y1 := rand.Intn(200), rand.Intn(60)
		x2, y2 := rand.Intn(200), rand.Intn(60)
		r, g, bl := 100+rand.Intn(100), 100+rand.Intn(100), 100+rand.Intn(100)
		fmt.Fprintf(&noise, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="rgb(%d,%d,%d)" stroke-width="1"/>`,
			x1, y1, x2, y2, r, g, bl)
	}

	aX, aRot := 15+rand.Intn(20), -15+rand.Intn(30)
	plusX := 70 + rand.Intn(20)
	bX, bRot := 115+rand.Intn(25), -15+rand.Intn(30)
	eqX := 160 + rand.Intn(20)

	timestamp := time.Now().Unix()
	answerHash := sha256Hex(strconv.Itoa(answer))
	macInput := fmt.Sprintf("%s:%d:%s", clientIP, timestamp, answerHash)
	hmacHex := computeCaptchaHMAC(secret, macInput)
	challengeToken := fmt.Sprintf("%s:%d:%s:%s", clientIP, timestamp, answerHash, hmacHex)

	const fillColor = "#333"
	svgTexts := fmt.Sprintf(
		`<text x="%d" y="40" font-size="28" font-family="monospace" fill="%s" transform="rotate(%d,%d,40)">%d</text>`+
			`<text x="%d" y="40" font-size="28" font-family="monospace" fill="%s">+</text>`+
			`<text x="%d" y="40" font-size="28" font-family="monospace" fill="%s" transform="rotate(%d,%d,40)">%d</text>`+
			`<text x="%d" y="40" font-size="28" font-family="monospace" fill="%s">= ?</text>`,
		aX, fillColor, aRot, aX, a,
		plusX, fillColor,
		bX, fillColor, bRot, bX, b,
		eqX, fillColor,
	)

	var html strings.Builder
	html.Grow(4096)
	html.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	html.WriteString("<meta charset=\"utf-8\">\n")
	html.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	html.WriteString("<title>Verification Required</title>\n")
	html.WriteString("<style>\n")
	html.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #0a0a0a; color: #e5e5e5; }\n")
	html.WriteString(".container { text-align: center; padding: 2rem; max-width: 400px; background: #1a1a1a; border-radius: 12px; border: 1px solid #333; }\n")
	html.WriteString("h1 { font-size: 1.5rem; margin-bottom: 0.5rem; }\n")
	html.WriteString("p { color: #999; font-size: 0.875rem; margin-bottom: 1.5rem; }\n")
	html.WriteString("svg { display: block; margin: 0 auto 1rem; background: #f5f5f5; border-radius: 8px; }\n")
	html.WriteString("input[type=\"text\"] { padding: 0.5rem 1rem; font-size: 1.25rem; width: 120px; text-align: center; border: 1px solid #555; border-radius: 6px; background: #222; color: #fff; }\n")
	html.WriteString("button { margin-top: 1rem; padding: 0.5rem 2rem; font-size: 1rem; background: #3b82f6; color: #fff; border: none; border-radius: 6px; cursor: pointer; }\n")
	html.WriteString("button:hover { background: #2563eb; }\n")
	html.WriteString(".error { color: #ef4444; font-size: 0.875rem; margin-top: 0.5rem; display: none; }\n")
	html.WriteString("</style>\n</head>\n<body>\n")
	html.WriteString("<div class=\"container\">\n")
	html.WriteString("<h1>Verification Required</h1>\n")
	html.WriteString("<p>Please solve the math problem below to continue.</p>\n")
	html.WriteString("<svg width=\"200\" height=\"60\" viewBox=\"0 0 200 60\" xmlns=\"http://www.w3.org/2000/svg\">\n")
	html.WriteString(noise.String())
	html.WriteString("\n")
	html.WriteString(svgTexts)
	html.WriteString("\n</svg>\n")
	fmt.Fprintf(&html, "<form method=\"POST\" action=\"%s\" id=\"captcha-form\">\n", originalPath)
	fmt.Fprintf(&html, "<input type=\"hidden\" name=\"__l7w_captcha_token\" value=\"%s\">\n", challengeToken)
	fmt.Fprintf(&html, "<input type=\"hidden\" name=\"__l7w_captcha_path\" value=\"%s\">\n", originalPath)
	html.WriteString("<input type=\"text\" name=\"__l7w_captcha_answer\" id=\"answer\" placeholder=\"Answer\" autocomplete=\"off\" autofocus>\n")
	html.WriteString("<div class=\"error\" id=\"error-msg\">Incorrect answer. Please try again.</div>\n")
	html.WriteString("<br>\n<button type=\"submit\">Verify</button>\n")
	html.WriteString("</form>\n")
	html.WriteString("<script>\n")
	html.WriteString("document.getElementById('captcha-form').addEventListener('submit', function(e) {\n")
	html.WriteString("  e.preventDefault();\n")
	html.WriteString("  var answer = document.getElementById('answer').value.trim();\n")
	html.WriteString("  if (!answer) return;\n")
	html.WriteString("  var token = document.querySelector('[name=__l7w_captcha_token]').value;\n")
	html.WriteString("  var path = document.querySelector('[name=__l7w_captcha_path]').value;\n")
	html.WriteString("  document.cookie = '__l7w_captcha=' + encodeURIComponent(token + ':' + answer) + '; path=/; max-age=1800; SameSite=Strict';\n")
	html.WriteString("  window.location.href = path;\n")
	html.WriteString("});\n")
	html.WriteString("</script>\n")
	html.WriteString("</div>\n</body>\n</html>")

	return html.String()
}

// VerifyCaptchaCookie reports whether cookieValue is a valid, unexpired,
// correctly-solved CAPTCHA cookie for clientIP.
//
// Cookie format: ip:timestamp:answer_hash:hmac:user_answer
func VerifyCaptchaCookie(cookieValue, clientIP, secret string, ttlSecs int64) bool {
	parts := strings.Split(cookieValue, ":")
	if len(parts) != 5 {
		return false
	}
	ip, tsStr, answerHash, hmacHex, userAnswer := parts[0], parts[1], parts[2], parts[3], parts[4]

	if ip != clientIP {
		return false
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
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

	macInput := fmt.Sprintf("%s:%s:%s", ip, tsStr, answerHash)
	expected := computeCaptchaHMAC(secret, macInput)
	if !hmac.Equal([]byte(expected), []byte(hmacHex)) {
		return false
	}

	userAnswerHash := sha256Hex(userAnswer)
	return hmac.Equal([]byte(answerHash), []byte(userAnswerHash))
}

// ExtractCaptchaCookie pulls the __l7w_captcha value out of a raw Cookie
// header, URL-decoding %XX and '+' to space.
func ExtractCaptchaCookie(cookieHeader string) (string, bool) {
	for _, pair := range strings.Split(cookieHeader, ";") {
		pair = strings.TrimSpace(pair)
		if value, ok := strings.CutPrefix(pair, CaptchaCookieName+"="); ok {
			return urldecodePlus(value), true
		}
	}
	return "", false
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func computeCaptchaHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

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
