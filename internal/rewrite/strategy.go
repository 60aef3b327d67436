package rewrite

import (
	"mime"
	"strings"
)

type Strategy string

const (
	StrategyStatic      Strategy = "static"
	StrategyHTML        Strategy = "html"
	StrategyJSON        Strategy = "json"
	StrategyText        Strategy = "text"
	StrategyPassthrough Strategy = "passthrough"
)

// Classify picks a rewrite strategy from a Content-Type header value.
func Classify(contentType string) Strategy {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return StrategyHTML
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return StrategyJSON
	case mt == "text/plain":
		return StrategyText
	default:
		return StrategyPassthrough
	}
}
