package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/geoedge/internal/cfg"
	"github.com/keithlinneman/geoedge/internal/cryptoutil"
	"github.com/keithlinneman/geoedge/internal/edge"
	"github.com/keithlinneman/geoedge/internal/geo"
	"github.com/keithlinneman/geoedge/internal/geoip"
	"github.com/keithlinneman/geoedge/internal/health"
	"github.com/keithlinneman/geoedge/internal/httpmw"
	"github.com/keithlinneman/geoedge/internal/opshttp"
	"github.com/keithlinneman/geoedge/internal/places"
	"github.com/keithlinneman/geoedge/internal/placeshttp"
	"github.com/keithlinneman/geoedge/internal/ratelimit"
	"github.com/keithlinneman/geoedge/internal/rewrite"
	"github.com/keithlinneman/geoedge/internal/stats"
	"github.com/keithlinneman/geoedge/internal/xerrors"

	"github.com/keithlinneman/geoedge/internal/httpserver"
	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/metrics"
	v "github.com/keithlinneman/geoedge/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.Short())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix GEOEDGE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "GEOEDGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	L, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"origin_url", conf.OriginURL,
		"landing_paths", conf.Landing(),
		"fallback_country", conf.FallbackCountry,
		"trust_edge_headers", conf.TrustEdgeHeaders,
		"trusted_hops", conf.TrustedHops,
		"client_ip_header", conf.ClientIPHeader,
		"geoip_db", conf.GeoIPDB,
		"contacts_path", conf.ContactsPath,
		"contacts_timeout", conf.ContactsTimeout.String(),
		"places_updates", conf.EnablePlacesUpdates,
		"places_ssm_param", conf.PlacesSSMParam,
		"rate_limit_rps", conf.RateLimitRPS,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	tel := startTelemetry(ctx, L, conf, vi, m)
	defer tel.stop(context.Background())

	// place dictionary: embedded default, replaced by the published one when available
	embedded, err := places.Embedded()
	if err != nil {
		L.Error(ctx, err, "embedded place dictionary is invalid")
		os.Exit(1)
	}
	store := places.NewStore(embedded)
	m.SetPlacesDictionary(embedded.Version, embedded.Meta.SHA256, string(embedded.Meta.Source), embedded.Meta.LoadedAt)

	if conf.EnablePlacesUpdates {
		watcher, err := newPlacesWatcher(ctx, L, conf, store, m)
		if err != nil {
			// the embedded dictionary keeps serving
			L.Error(ctx, err, "place dictionary updates disabled")
		} else {
			go func() { _ = watcher.Run(ctx) }()
		}
	}

	var locator geo.IPLocator
	if conf.GeoIPDB != "" {
		db, err := geoip.Open(conf.GeoIPDB, "es", "en")
		if err != nil {
			L.Error(ctx, err, "geoip database unavailable, continuing without ip fallback", "geoip_db", conf.GeoIPDB)
		} else {
			defer db.Close()
			locator = db
			L.Info(ctx, "geoip database loaded", "geoip_db", conf.GeoIPDB, "type", db.DatabaseType())
		}
	}

	resolver := geo.NewResolver(geo.Options{
		Places:           store,
		GeoIP:            locator,
		FallbackCountry:  conf.FallbackCountry,
		OverrideParam:    conf.GeoOverrideParam,
		TrustEdgeHeaders: conf.TrustEdgeHeaders,
		Metrics:          m,
	})

	counter, err := stats.NewContactsCounter(stats.Options{
		Origin:    conf.OriginURL,
		Path:      conf.ContactsPath,
		Timeout:   conf.ContactsTimeout,
		CacheTTL:  conf.ContactsCacheTTL,
		CacheSize: conf.ContactsCacheSize,
		Logger:    L,
		Metrics:   m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create contacts counter")
		os.Exit(1)
	}

	dispatcher, err := edge.New(&edge.Options{
		Logger:       L,
		Origin:       conf.OriginURL,
		Resolver:     resolver,
		Counter:      counter,
		LandingPaths: conf.Landing(),
		Rewriter: rewrite.New(rewrite.Options{
			MaxBodyBytes: conf.MaxRewriteBody,
			CountMarkup:  conf.CountMarkup,
			Metrics:      m,
		}),
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create edge dispatcher")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// ready once not draining and a dictionary is loaded
	readiness := health.All(gate.Probe(), health.Loaded("places", store.Ready))

	var rateLimitMW httpmw.Middleware
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithSkip(httpmw.StaticAsset),
			ratelimit.WithCost(landingCost(conf.Landing(), conf.RateLimitBurst)),
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	edgeHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:         L,
		Port:           conf.HTTPPort,
		Health:         health.Fixed(true, ""),
		Readiness:      readiness,
		UseRecoverMW:   true,
		OnPanic:        m.IncHttpPanic,
		MetricsMW:      m.Middleware,
		RateLimitMW:    rateLimitMW,
		ClientIPOpts:   httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops, Header: conf.ClientIPHeader},
		PlacesInfo:     store,
		Edge:           dispatcher,
		MaxRequestBody: conf.MaxRequestBody,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start edge http listener")
		os.Exit(1)
	}
	defer func() { _ = edgeHTTPStop(context.Background()) }()

	// ops listener rejects public peers in case the security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		API:         placeshttp.NewAPI(store, L).Handler(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd("READY=1"); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	drain(L, &gate, conf.DrainDelay)
	_ = notifySystemd("STOPPING=1")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, c := range []struct {
		name string
		stop func(context.Context) error
	}{
		{"edge http server", edgeHTTPStop},
		{"ops http server", opsHTTPStop},
		{"telemetry", tel.stop},
	} {
		if err := c.stop(shutdownCtx); err != nil {
			L.Error(context.Background(), err, c.name+" shutdown")
		}
	}
	L.Info(context.Background(), "shutdown complete")
}

// newPlacesWatcher builds the S3/SSM loader, performs the first load
// synchronously and returns a watcher for subsequent updates.
func newPlacesWatcher(ctx context.Context, L log.Logger, conf cfg.App, store *places.Store, m *metrics.ServerMetrics) (*places.Watcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load aws config")
	}

	var verifier cryptoutil.Verifier
	if conf.PlacesSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PlacesSigningKeyARN)
	} else {
		L.Warn(ctx, "places-signing-key-arn not set, dictionaries are checked by hash only")
	}

	loader, err := places.NewLoader(places.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.PlacesSSMParam,
		S3Bucket:  conf.PlacesS3Bucket,
		S3Prefix:  conf.PlacesS3Prefix,
		SSMClient: ssm.NewFromConfig(awsCfg),
		S3Client:  s3.NewFromConfig(awsCfg),
		Verifier:  verifier,
	})
	if err != nil {
		return nil, err
	}

	onSwap := func(version, hash string) {
		d := store.Current()
		m.SetPlacesDictionary(version, hash, string(d.Meta.Source), d.Meta.LoadedAt)
	}

	if d, err := loader.Load(ctx); err != nil {
		L.Error(ctx, err, "initial place dictionary load failed, serving embedded dictionary")
	} else {
		store.Set(d)
		onSwap(d.Version, d.Meta.SHA256)
		L.Info(ctx, "loaded place dictionary",
			"places_version", d.Version,
			"places_hash", d.Meta.SHA256,
			"entries", d.Entries(),
		)
	}

	return places.NewWatcher(places.WatcherOptions{
		Logger:       L,
		Fetcher:      loader,
		Store:        store,
		PollInterval: conf.PlacesPollInterval,
		OnSwap:       onSwap,
		Metrics:      m,
	}), nil
}

// landingCost charges landing pages two tokens, one for the page and one
// for the contacts lookup it triggers, capped at the bucket size.
func landingCost(paths []string, burst int) func(*http.Request) int {
	landing := make(map[string]bool, len(paths))
	for _, p := range paths {
		landing[p] = true
	}
	cost := min(2, burst)
	return func(r *http.Request) int {
		if landing[r.URL.Path] {
			return cost
		}
		return 1
	}
}
