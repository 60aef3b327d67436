package opshttp

import (
	"net/http"

	"github.com/keithlinneman/geoedge/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// API is mounted under /api/ when set.
	API http.Handler

	// AllowPublic serves requests from public addresses too. Off by default;
	// the ops listener is for the pod network and the node.
	AllowPublic bool
}
