// Package options loads buffer-pool and log options from an ini file,
// using a tagged-struct-plus-ini.File approach.
package options

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// SMOptions is the options bag threaded through construction of the
// buffer pool and log.
type SMOptions struct {
	// LogBufSize is the segment size of the log buffer, in bytes.
	LogBufSize int64 `default:"8388608" ini:"sm_logbufsize"`
	// LogSize is the target partition size of the log, in bytes.
	LogSize int64 `default:"104857600" ini:"sm_logsize"`
	// EnableSwizzling is the master switch for non-root pointer swizzling.
	EnableSwizzling bool `default:"true" ini:"enable_swizzling"`
	// BufferPoolSize is the number of frames in the pool.
	BufferPoolSize uint32 `default:"1024" ini:"bufferpool_size"`
	// EvictionBatchRatio is the fraction of the pool targeted per eviction call.
	EvictionBatchRatio float64 `default:"0.01" ini:"eviction_batch_ratio"`
	// MaxRefCount caps the per-frame reference counter.
	MaxRefCount uint16 `default:"16" ini:"max_refcount"`
	// TxnLogReservation is the log-space budget (in bytes) a new
	// transaction starts with in its ready counter.
	TxnLogReservation int64 `default:"1048576" ini:"txn_log_reservation"`

	LogLevel string `default:"info" ini:"log_level"`
	LogPath  string `default:"" ini:"log_path"`
}

// Default returns the option set used when no ini file is supplied.
func Default() SMOptions {
	return SMOptions{
		LogBufSize:         8 << 20,
		LogSize:            100 << 20,
		EnableSwizzling:    true,
		BufferPoolSize:     1024,
		EvictionBatchRatio: 0.01,
		MaxRefCount:        16,
		TxnLogReservation:  1 << 20,
		LogLevel:           "info",
	}
}

// Load reads path (an ini file) into a SMOptions seeded with Default().
func Load(path string) (SMOptions, error) {
	opts := Default()
	cfg, err := ini.Load(path)
	if err != nil {
		return opts, fmt.Errorf("options: load %s: %w", path, err)
	}
	if err := cfg.Section("").MapTo(&opts); err != nil {
		return opts, fmt.Errorf("options: map %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate checks the invariants the buffer pool and log rely on.
func (o SMOptions) Validate() error {
	if o.BufferPoolSize == 0 {
		return fmt.Errorf("options: bufferpool_size must be > 0")
	}
	if o.EvictionBatchRatio <= 0 || o.EvictionBatchRatio > 1 {
		return fmt.Errorf("options: eviction_batch_ratio must be in (0,1]")
	}
	if o.MaxRefCount == 0 {
		return fmt.Errorf("options: max_refcount must be > 0")
	}
	if o.LogBufSize <= 0 || o.LogSize <= 0 {
		return fmt.Errorf("options: log sizes must be > 0")
	}
	return nil
}
