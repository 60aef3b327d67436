package httpserver

import (
	"net/http"

	"github.com/keithlinneman/geoedge/internal/health"
	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a panic is recovered, e.g. to bump a counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// PlacesInfo feeds the X-Places-Version and X-Places-Hash headers.
	PlacesInfo httpmw.PlacesInfo

	// Edge serves every path not claimed by a health route. nil answers 404.
	Edge http.Handler

	// MaxRequestBody caps inbound request bodies before they reach the origin.
	MaxRequestBody int64 // default: DefaultMaxRequestBody
}
