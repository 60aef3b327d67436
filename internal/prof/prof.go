// Package prof runs the continuous profiler. Profiles are tagged with the
// edge's component so origin-bound latency can be compared across hosts.
package prof

import (
	"context"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/geoedge/internal/log"
	"github.com/keithlinneman/geoedge/internal/xerrors"
)

// contentionRate is used for mutex and block sampling when HTTPProfiles is
// set without explicit rates.
const contentionRate = 5

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// UploadRate defaults to pyroscope's own (15s).
	UploadRate time.Duration
	// HTTPProfiles adds mutex and block profiles. The edge spends most of
	// its time waiting on the origin, so these are opt-in.
	HTTPProfiles bool
}

// withDefaults fills contention rates implied by HTTPProfiles.
func (o Options) withDefaults() Options {
	if o.HTTPProfiles && o.ProfileMutexFraction == 0 {
		o.ProfileMutexFraction = contentionRate
	}
	if o.HTTPProfiles && o.BlockProfileRate == 0 {
		o.BlockProfileRate = contentionRate
	}
	return o
}

func (o Options) profileTypes() []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start begins profiling and returns a stop func. The stop func is always
// non-nil, even on error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "profiler disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.New("profiler enabled without a server address")
		L.Error(ctx, err, "profiler options")
		return noop, err
	}

	opts = opts.withDefaults()
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		UploadRate:      opts.UploadRate,
		ProfileTypes:    opts.profileTypes(),
	})
	if err != nil {
		L.Error(ctx, err, "profiler start failed", "server_address", opts.ServerAddress)
		return noop, err
	}

	L.Info(ctx, "profiler started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"contention_profiles", opts.ProfileMutexFraction > 0 || opts.BlockProfileRate > 0,
	)
	return func() {
		profiler.Stop()
		L.Info(context.Background(), "profiler stopped", "app_name", opts.AppName)
	}, nil
}
