package constants

import (
	"io/fs"
	"time"
)

const (
	// DefaultDirPerm is the default permission used when creating directories.
	DefaultDirPerm fs.FileMode = 0o755
	// DefaultFilePerm is the default permission used when creating files.
	DefaultFilePerm fs.FileMode = 0o644
)

const (
	// SessionIDPrefix prefixes every scan session identifier.
	SessionIDPrefix = "ascan-"
	// SessionFlushDelay is how long the write-behind queue waits before saving a running session.
	SessionFlushDelay = 2 * time.Second
	// MaxStepTurns bounds how many steps a single check execution may take.
	MaxStepTurns = 1000
	// ProbeBodyLimitBytes caps how many response bytes the HTTP sender keeps per probe.
	ProbeBodyLimitBytes = 2 << 20
	// DefaultProbeTimeout is applied by the HTTP sender when none is configured.
	DefaultProbeTimeout = 10 * time.Second
)
