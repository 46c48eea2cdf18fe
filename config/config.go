// Package config loads the environment variables the runtime façade
// consults at Init (spec.md §6), via viper's environment binding plus
// defaults so the system runs unconfigured.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/xkrt/xkrt/xkrterr"
)

// Config is the resolved runtime configuration.
type Config struct {
	Verbosity              int  // 0=debug .. 3=error
	MergeTransfers         bool // merge adjacent coherency fetches into one command
	ProtectRegisteredMemory bool // guard against registered-memory overflow
	GPUMemPercent          int  // 0..100, fraction of device memory usable per device
	NGPUs                  int  // cap on number of GPU devices to enumerate, -1 = no cap
	UseP2P                 bool // allow device-to-device peer transfers
	NThreadsPerDevice      int  // worker threads bound per device
	StreamConcurrency      int  // commands in flight per device queue
	NStreams               int  // device queues per device
}

// defaults returns the configuration the runtime runs with when no
// environment variables are set.
func defaults() Config {
	return Config{
		Verbosity:               1,
		MergeTransfers:          true,
		ProtectRegisteredMemory: true,
		GPUMemPercent:           90,
		NGPUs:                   -1,
		UseP2P:                  true,
		NThreadsPerDevice:       1,
		StreamConcurrency:       4,
		NStreams:                1,
	}
}

// Load reads XKRT_* environment variables over the defaults using viper's
// AutomaticEnv binding, the way perf-analysis/pkg/config loads its
// settings. Returns a *xkrterr.Error of KindConfiguration on an
// out-of-range value.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("xkrt")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := defaults()
	v.SetDefault("verbosity", cfg.Verbosity)
	v.SetDefault("merge_transfers", cfg.MergeTransfers)
	v.SetDefault("protect_overflow", cfg.ProtectRegisteredMemory)
	v.SetDefault("gpu_mem_percent", cfg.GPUMemPercent)
	v.SetDefault("ngpus", cfg.NGPUs)
	v.SetDefault("use_p2p", cfg.UseP2P)
	v.SetDefault("nthreads_per_device", cfg.NThreadsPerDevice)
	v.SetDefault("stream_concurrency", cfg.StreamConcurrency)
	v.SetDefault("nstreams", cfg.NStreams)

	cfg.Verbosity = v.GetInt("verbosity")
	cfg.MergeTransfers = v.GetBool("merge_transfers")
	cfg.ProtectRegisteredMemory = v.GetBool("protect_overflow")
	cfg.GPUMemPercent = v.GetInt("gpu_mem_percent")
	cfg.NGPUs = v.GetInt("ngpus")
	cfg.UseP2P = v.GetBool("use_p2p")
	cfg.NThreadsPerDevice = v.GetInt("nthreads_per_device")
	cfg.StreamConcurrency = v.GetInt("stream_concurrency")
	cfg.NStreams = v.GetInt("nstreams")

	if cfg.GPUMemPercent < 0 || cfg.GPUMemPercent > 100 {
		return Config{}, xkrterr.New("config.Load", xkrterr.KindConfiguration, "gpu_mem_percent must be in [0,100]")
	}
	if cfg.NThreadsPerDevice < 1 {
		return Config{}, xkrterr.New("config.Load", xkrterr.KindConfiguration, "nthreads_per_device must be >= 1")
	}
	if cfg.NStreams < 1 {
		return Config{}, xkrterr.New("config.Load", xkrterr.KindConfiguration, "nstreams must be >= 1")
	}
	if cfg.StreamConcurrency < 1 {
		return Config{}, xkrterr.New("config.Load", xkrterr.KindConfiguration, "stream_concurrency must be >= 1")
	}
	return cfg, nil
}
