package wafengine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/corazawaf/coraza/v3"
	"github.com/corazawaf/coraza/v3/types"
	"go.uber.org/zap"
)

// BuildDirectives assembles a Coraza/SecLang directive string from a list
// of rule-file glob patterns plus a request-body size limit. An invalid
// pattern is logged and skipped rather than failing the whole build.
func BuildDirectives(rulePatterns []string, requestBodyLimit int, log *slog.Logger) string {
	var b strings.Builder
	b.WriteString("SecRuleEngine On\n")

	for _, pattern := range rulePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			if log != nil {
				log.Warn("invalid rule glob pattern", "pattern", pattern, "error", err)
			}
			continue
		}
		for _, path := range matches {
			fmt.Fprintf(&b, "Include %s\n", path)
		}
	}

	fmt.Fprintf(&b, "SecRequestBodyLimit %d\n", requestBodyLimit)
	return b.String()
}

// CorazaEngine is the default Engine backed by corazawaf/coraza. Rule
// interruptions go to a dedicated zap logger, kept separate from the
// app's slog output so rule-hit telemetry can be shipped independently.
type CorazaEngine struct {
	waf    coraza.WAF
	wafLog *zap.Logger
}

// NewCorazaEngine compiles directives into a ready-to-use Engine.
func NewCorazaEngine(directives string) (*CorazaEngine, error) {
	cfg := coraza.NewWAFConfig().WithDirectives(directives)
	waf, err := coraza.NewWAF(cfg)
	if err != nil {
		return nil, fmt.Errorf("compiling waf directives: %w", err)
	}
	wafLog, err := zap.NewProduction(zap.Fields(zap.String("component", "wafengine")))
	if err != nil {
		wafLog = zap.NewNop()
	}
	return &CorazaEngine{waf: waf, wafLog: wafLog}, nil
}

func (e *CorazaEngine) NewTransaction() Tx {
	return &corazaTx{tx: e.waf.NewTransaction(), log: e.wafLog}
}

type corazaTx struct {
	tx  types.Transaction
	log *zap.Logger
}

func (t *corazaTx) verdictFromInterruption(phase string, it *types.Interruption) Verdict {
	if it == nil {
		return Verdict{Action: ActionPass}
	}
	status := it.Status
	if status == 0 {
		status = 403
	}
	if t.log != nil {
		t.log.Info("rule interruption",
			zap.String("phase", phase),
			zap.String("action", it.Action),
			zap.Int("rule_id", it.RuleID),
			zap.Int("status", status),
		)
	}
	if it.Action == "redirect" {
		return Verdict{Action: ActionRedirect, Status: status, RuleID: it.RuleID, Location: it.Data}
	}
	return Verdict{Action: ActionBlock, Status: status, RuleID: it.RuleID}
}

func (t *corazaTx) ProcessRequestHeaders(method, uri, protocol string, headers []Header) Verdict {
	t.tx.ProcessConnection("", 0, "", 0)
	t.tx.ProcessURI(uri, method, protocol)
	for _, h := range headers {
		t.tx.AddRequestHeader(h.Name, h.Value)
	}
	return t.verdictFromInterruption("request_headers", t.tx.ProcessRequestHeaders())
}

func (t *corazaTx) ProcessRequestBody(body []byte) Verdict {
	if len(body) > 0 {
		if _, _, err := t.tx.WriteRequestBody(body); err != nil {
			return Verdict{Action: ActionPass}
		}
	}
	it, err := t.tx.ProcessRequestBody()
	if err != nil {
		return Verdict{Action: ActionPass}
	}
	return t.verdictFromInterruption("request_body", it)
}

func (t *corazaTx) ProcessResponseHeaders(status int, headers []Header) Verdict {
	for _, h := range headers {
		t.tx.AddResponseHeader(h.Name, h.Value)
	}
	return t.verdictFromInterruption("response_headers", t.tx.ProcessResponseHeaders(status, "HTTP/1.1"))
}

func (t *corazaTx) ProcessResponseBody(body []byte) Verdict {
	if len(body) > 0 {
		if _, _, err := t.tx.WriteResponseBody(body); err != nil {
			return Verdict{Action: ActionPass}
		}
	}
	it, err := t.tx.ProcessResponseBody()
	if err != nil {
		return Verdict{Action: ActionPass}
	}
	return t.verdictFromInterruption("response_body", it)
}

func (t *corazaTx) Close() error {
	t.tx.ProcessLogging()
	return t.tx.Close()
}
