package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/pathutil"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	OriginURL        string
	LandingPaths     string
	FallbackCountry  string
	GeoOverrideParam string
	TrustEdgeHeaders bool
	TrustedHops      int
	ClientIPHeader   string
	GeoIPDB          string

	ContactsPath      string
	ContactsTimeout   time.Duration
	ContactsCacheTTL  time.Duration
	ContactsCacheSize int
	CountMarkup       string

	MaxRewriteBody int64
	MaxRequestBody int64

	RateLimitRPS   float64
	RateLimitBurst int

	EnablePlacesUpdates bool
	PlacesSSMParam      string
	PlacesS3Bucket      string
	PlacesS3Prefix      string
	PlacesSigningKeyARN string
	PlacesPollInterval  time.Duration

	DrainDelay time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.OriginURL, "origin-url", "", "base URL of the origin application every request is proxied to (required)")
	fs.StringVar(&c.LandingPaths, "landing-paths", "/", "comma-separated exact paths that get the contacts count and a private response")
	fs.StringVar(&c.FallbackCountry, "fallback-country", "MX", "ISO country code used when no geo signal is available")
	fs.StringVar(&c.GeoOverrideParam, "geo-override-param", "geo", "query parameter carrying a CC:city override")
	fs.BoolVar(&c.TrustEdgeHeaders, "trust-edge-headers", true, "read viewer country/city headers set by the CDN")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted proxies appending to X-Forwarded-For (0..10)")
	fs.StringVar(&c.ClientIPHeader, "client-ip-header", "", "CDN header carrying the viewer address, trusted only from private peers (e.g. CloudFront-Viewer-Address)")
	fs.StringVar(&c.GeoIPDB, "geoip-db", "", "path to a MaxMind City database; empty disables the GeoIP fallback")

	fs.StringVar(&c.ContactsPath, "contacts-path", "/api/contacts/count-by-city", "origin path answering the contacts count")
	fs.DurationVar(&c.ContactsTimeout, "contacts-timeout", 800*time.Millisecond, "upper bound on a contacts count lookup")
	fs.DurationVar(&c.ContactsCacheTTL, "contacts-cache-ttl", 60*time.Second, "how long a contacts count is reused per city")
	fs.IntVar(&c.ContactsCacheSize, "contacts-cache-size", 1024, "max cached contacts counts")
	fs.StringVar(&c.CountMarkup, "count-markup", "", "HTML wrapping the contacts count in page text; {count} marks the value")

	fs.Int64Var(&c.MaxRewriteBody, "max-rewrite-body", 8<<20, "JSON/text bodies larger than this pass through unmodified (bytes)")
	fs.Int64Var(&c.MaxRequestBody, "max-request-body", 10<<20, "max inbound request body relayed to the origin (bytes)")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per client IP sustained requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 60, "per client IP burst")

	fs.BoolVar(&c.EnablePlacesUpdates, "enable-places-updates", false, "Enable refreshing the place dictionary from S3/SSM")
	fs.StringVar(&c.PlacesSSMParam, "places-ssm-param", "", "ssm parameter name holding the current place dictionary sha256")
	fs.StringVar(&c.PlacesS3Bucket, "places-s3-bucket", "", "s3 bucket holding place dictionaries")
	fs.StringVar(&c.PlacesS3Prefix, "places-s3-prefix", "", "s3 prefix (key) under which dictionaries are stored as {sha256}.json")
	fs.StringVar(&c.PlacesSigningKeyARN, "places-signing-key-arn", "", "KMS key ARN for place dictionary signature verification")
	fs.DurationVar(&c.PlacesPollInterval, "places-poll-interval", 60*time.Second, "how often to poll SSM for a new place dictionary")

	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and stopping listeners on shutdown")
}

// Landing splits LandingPaths into trimmed, non-empty paths.
func (c App) Landing() []string {
	var out []string
	for _, p := range strings.Split(c.LandingPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Pyroscope tenant
	if c.EnablePyroscope {
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Origin
	if c.OriginURL == "" {
		errs = append(errs, fmt.Errorf("ORIGIN_URL is required"))
	} else if u, err := url.Parse(c.OriginURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("ORIGIN_URL must be an absolute http(s) URL (got %q)", c.OriginURL))
	}

	// Geo
	if !isCountryCode(c.FallbackCountry) {
		errs = append(errs, fmt.Errorf("FALLBACK_COUNTRY must be two letters (got %q)", c.FallbackCountry))
	}
	if c.GeoOverrideParam == "" {
		errs = append(errs, fmt.Errorf("GEO_OVERRIDE_PARAM must not be empty"))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}
	if c.ClientIPHeader != "" && !validHeaderName(c.ClientIPHeader) {
		errs = append(errs, fmt.Errorf("CLIENT_IP_HEADER is not a valid header name (got %q)", c.ClientIPHeader))
	}
	landing := c.Landing()
	if len(landing) == 0 {
		errs = append(errs, fmt.Errorf("LANDING_PATHS must name at least one path"))
	}
	for _, p := range landing {
		if !strings.HasPrefix(p, "/") || pathutil.HasDotSegments(p) {
			errs = append(errs, fmt.Errorf("invalid LANDING_PATHS entry %q (must start with / and have no dot segments)", p))
		}
	}

	// Contacts count
	if !strings.HasPrefix(c.ContactsPath, "/") {
		errs = append(errs, fmt.Errorf("CONTACTS_PATH must start with / (got %q)", c.ContactsPath))
	}
	if c.ContactsTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONTACTS_TIMEOUT must be > 0 (got %v)", c.ContactsTimeout))
	}
	if c.ContactsCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CONTACTS_CACHE_TTL must be > 0 (got %v)", c.ContactsCacheTTL))
	}
	if c.ContactsCacheSize < 1 {
		errs = append(errs, fmt.Errorf("CONTACTS_CACHE_SIZE must be >= 1 (got %d)", c.ContactsCacheSize))
	}

	// Body limits
	if c.MaxRewriteBody < 1 {
		errs = append(errs, fmt.Errorf("MAX_REWRITE_BODY must be >= 1 (got %d)", c.MaxRewriteBody))
	}
	if c.MaxRequestBody < 1 {
		errs = append(errs, fmt.Errorf("MAX_REQUEST_BODY must be >= 1 (got %d)", c.MaxRequestBody))
	}

	// Rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is on (got %d)", c.RateLimitBurst))
	}

	// Place dictionary updates
	if c.EnablePlacesUpdates {
		if c.PlacesSSMParam == "" {
			errs = append(errs, fmt.Errorf("PLACES_SSM_PARAM is required when ENABLE_PLACES_UPDATES=true"))
		}
		if c.PlacesS3Bucket == "" {
			errs = append(errs, fmt.Errorf("PLACES_S3_BUCKET is required when ENABLE_PLACES_UPDATES=true"))
		}
		if c.PlacesS3Prefix == "" {
			errs = append(errs, fmt.Errorf("PLACES_S3_PREFIX is required when ENABLE_PLACES_UPDATES=true"))
		}
		if c.PlacesPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("PLACES_POLL_INTERVAL must be >= 1s (got %v)", c.PlacesPollInterval))
		}
	}

	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be >= 0 (got %v)", c.DrainDelay))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		ch := s[i] | 0x20
		if ch < 'a' || ch > 'z' {
			return false
		}
	}
	return true
}

func validHeaderName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return s != ""
}
