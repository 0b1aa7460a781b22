package pipeline

import (
	"time"

	"github.com/veil-waf/veil-go/internal/wafengine"
)

// BlockReasonKind identifies why a request was short-circuited before
// reaching an upstream.
type BlockReasonKind int

const (
	BlockReasonNone BlockReasonKind = iota
	BlockReasonWaf
	BlockReasonRateLimit
	BlockReasonIPBlocked
	BlockReasonBotDetected
	BlockReasonScraping
)

func (k BlockReasonKind) String() string {
	switch k {
	case BlockReasonWaf:
		return "waf"
	case BlockReasonRateLimit:
		return "rate_limit"
	case BlockReasonIPBlocked:
		return "ip_blocked"
	case BlockReasonBotDetected:
		return "bot_detected"
	case BlockReasonScraping:
		return "scraping"
	default:
		return "none"
	}
}

// BlockReason records why a request was short-circuited, with the
// auxiliary detail each reason carries.
type BlockReason struct {
	Kind   BlockReasonKind
	Status int     // set for BlockReasonWaf
	Score  float64 // set for BlockReasonBotDetected and BlockReasonScraping
}

// requestContext accumulates state as a request passes through the
// pipeline, so the final logging stage can report a complete picture.
type requestContext struct {
	method         string
	uri            string
	clientIP       string
	requestStart   time.Time
	routeIndex     int // -1 if no route matched
	upstreamName   string
	blockReason    *BlockReason
	responseStatus int
	botScore       float64
	scrapingScore  float64
	country        string
	wafTx          wafengine.Tx
}

func newRequestContext() *requestContext {
	return &requestContext{requestStart: time.Now(), routeIndex: -1}
}
