package wafengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildDirectivesIncludesMatchedRuleFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sqli.conf", "xss.conf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SecRule ARGS \"@detectSQLi\" \"id:1,phase:2,deny\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	directives := BuildDirectives([]string{filepath.Join(dir, "*.conf")}, 1024, nil)

	if !strings.Contains(directives, "SecRuleEngine On") {
		t.Error("expected SecRuleEngine On directive")
	}
	if !strings.Contains(directives, filepath.Join(dir, "sqli.conf")) {
		t.Error("expected sqli.conf to be included")
	}
	if !strings.Contains(directives, filepath.Join(dir, "xss.conf")) {
		t.Error("expected xss.conf to be included")
	}
	if !strings.Contains(directives, "SecRequestBodyLimit 1024") {
		t.Error("expected request body limit directive")
	}
}

func TestBuildDirectivesInvalidPatternSkipped(t *testing.T) {
	directives := BuildDirectives([]string{"["}, 1024, nil)
	if !strings.Contains(directives, "SecRuleEngine On") {
		t.Error("invalid glob pattern should not prevent the rest of the directives from building")
	}
}

func TestBuildDirectivesNoRules(t *testing.T) {
	directives := BuildDirectives(nil, 2048, nil)
	want := "SecRuleEngine On\nSecRequestBodyLimit 2048\n"
	if directives != want {
		t.Errorf("directives = %q, want %q", directives, want)
	}
}
