package main

import (
	"context"

	"github.com/keithlinneman/geoedge/internal/cfg"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/metrics"
	"github.com/keithlinneman/geoedge/internal/otelx"
	"github.com/keithlinneman/geoedge/internal/prof"
	v "github.com/keithlinneman/geoedge/internal/version"
)

const component = "server"

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	// Validate already rejected a malformed stacktrace level; empty means
	// follow the log level.
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		return nil, err
	}
	return lg.With("component", component), nil
}

// telemetry owns the profiler and tracer lifetimes. Neither is fatal: the
// edge keeps serving without them.
type telemetry struct {
	stopProf func()
	stopOTel func(context.Context) error
}

func startTelemetry(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info, m *metrics.ServerMetrics) *telemetry {
	t := &telemetry{
		stopProf: func() {},
		stopOTel: func(context.Context) error { return nil },
	}

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	t.stopProf = stopProf
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)

	// Insecure: the collector runs on localhost.
	stopOTel, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "tracing disabled", "otlp_endpoint", conf.OTLPEndpoint)
	} else {
		t.stopOTel = stopOTel
	}
	return t
}

// stop flushes pending spans, then stops the profiler. It is safe to call
// more than once.
func (t *telemetry) stop(ctx context.Context) error {
	err := t.stopOTel(ctx)
	t.stopOTel = func(context.Context) error { return nil }
	t.stopProf()
	t.stopProf = func() {}
	return err
}
