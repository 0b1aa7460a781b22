package fingerprint

import "testing"

func TestClassifyUAGoodBotPrecedence(t *testing.T) {
	cases := []string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"Mozilla/5.0 (compatible; Bingbot/2.0; +http://www.bing.com/bingbot.htm)",
	}
	for _, ua := range cases {
		if got := ClassifyUA(ua, nil); got != KnownGoodBot {
			t.Errorf("ClassifyUA(%q) = %v, want KnownGoodBot", ua, got)
		}
	}
}

func TestClassifyUABadBots(t *testing.T) {
	cases := []string{"curl/7.88.1", "python-requests/2.31.0", "Scrapy/2.9.0", "Wget/1.21"}
	for _, ua := range cases {
		if got := ClassifyUA(ua, nil); got != KnownBadBot {
			t.Errorf("ClassifyUA(%q) = %v, want KnownBadBot", ua, got)
		}
	}
}

func TestClassifyUAEmptyIsSuspicious(t *testing.T) {
	if got := ClassifyUA("", nil); got != Suspicious {
		t.Errorf("empty UA = %v, want Suspicious", got)
	}
}

func TestClassifyUALikelyHuman(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	if got := ClassifyUA(ua, nil); got != LikelyHuman {
		t.Errorf("browser UA = %v, want LikelyHuman", got)
	}
}

func TestClassifyUACustomAllowlistWinsOverBadBotSubstring(t *testing.T) {
	// "curl" appears inside the allowed name; allowlist must still win.
	if got := ClassifyUA("MyInternalCurlBot/1.0", []string{"MyInternalCurlBot"}); got != KnownGoodBot {
		t.Errorf("allowlisted UA = %v, want KnownGoodBot", got)
	}
}

func TestHasStandardAccept(t *testing.T) {
	if HasStandardAccept([]Header{{Name: "Accept", Value: "*/*"}}) {
		t.Error("*/* should not count as a standard accept header")
	}
	if !HasStandardAccept([]Header{{Name: "Accept", Value: "text/html"}}) {
		t.Error("text/html should count as a standard accept header")
	}
	if HasStandardAccept(nil) {
		t.Error("missing Accept header should not count as standard")
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	headers := []Header{{Name: "Host", Value: "x"}, {Name: "Accept", Value: "text/html"}}
	a := Compute(headers)
	b := Compute(headers)
	if a != b {
		t.Error("fingerprint computation must be deterministic for identical input")
	}
}
