package antiscrape

import "testing"

func TestGenerateTrapHTML(t *testing.T) {
	html := GenerateTrapHTML("/.well-known/l7w-trap", "1.2.3.4", "secret")
	for _, want := range []string{"/.well-known/l7w-trap/", `aria-hidden="true"`, `tabindex="-1"`, "position:absolute"} {
		if !contains(html, want) {
			t.Errorf("trap html missing %q", want)
		}
	}
}

func TestIsTrapRequestMatches(t *testing.T) {
	if !IsTrapRequest("/.well-known/l7w-trap/abc123", "/.well-known/l7w-trap") {
		t.Error("expected trap path to match prefix")
	}
}

func TestIsTrapRequestNoMatch(t *testing.T) {
	if IsTrapRequest("/api/users", "/.well-known/l7w-trap") {
		t.Error("unrelated path must not match trap prefix")
	}
}

func TestInjectTrapBeforeBody(t *testing.T) {
	body := []byte("<html><body><p>Hello</p></body></html>")
	trap := `<a href="/trap" style="display:none"></a>`
	result, ok := InjectTrap(body, trap)
	if !ok {
		t.Fatal("expected injection to succeed")
	}
	if !contains(string(result), `<a href="/trap" style="display:none"></a></body>`) {
		t.Error("trap html not spliced immediately before </body>")
	}
}

func TestInjectTrapNoBodyTag(t *testing.T) {
	body := []byte("<html><p>No body tag</p></html>")
	if _, ok := InjectTrap(body, "<trap>"); ok {
		t.Error("expected no injection without a </body> tag")
	}
}

func TestInjectTrapCaseInsensitive(t *testing.T) {
	body := []byte("<html><body><p>Hello</p></BODY></html>")
	result, ok := InjectTrap(body, "<trap>")
	if !ok {
		t.Fatal("expected injection to succeed")
	}
	if !contains(string(result), "<trap></BODY>") {
		t.Error("expected case-insensitive match against </BODY>")
	}
}
