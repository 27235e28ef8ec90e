// Package config defines the read-only configuration surface the core
// consumes. Loading it from TOML (or any other format) is the caller's job;
// this package only describes the shape.
package config

// RemoteBranch names where a local branch pushes/pulls by default.
type RemoteBranch struct {
	Remote       string
	RemoteBranch string
}

// Config is a plain, already-populated configuration value. Every field
// mirrors a setting the core reads; none of them are parsed here.
type Config struct {
	CompressionLevel          int
	ParallelThreads           int
	MmapThreshold             int64
	IgnorePatterns            []string
	FollowSymlinks            bool
	PreservePermissions       bool
	StripDangerousPermissions bool
	AllowedDirectories        []string

	UserName  string
	UserEmail string

	Remotes        map[string]string
	BranchTracking map[string]RemoteBranch
}

// Default returns a Config with the spec's documented defaults applied.
// Callers overlay whatever they parsed from TOML/flags/env on top of this.
func Default() Config {
	return Config{
		CompressionLevel:          3,
		ParallelThreads:           0, // 0 means min(NumCPU, 8)
		MmapThreshold:             1 << 20,
		FollowSymlinks:            false,
		PreservePermissions:       true,
		StripDangerousPermissions: true,
		Remotes:                   make(map[string]string),
		BranchTracking:            make(map[string]RemoteBranch),
	}
}
