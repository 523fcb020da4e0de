package execution

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"swiss-sandbox/internal/sandbox"
)

// applyRlimits caps the address space and file size of a started process.
// Children forked before the call are not covered.
func applyRlimits(pid int, l sandbox.ResourceLimits) {
	set := func(resource int, name string, v uint64) {
		lim := &unix.Rlimit{Cur: v, Max: v}
		if err := unix.Prlimit(pid, resource, lim, nil); err != nil {
			log.Debug().Err(err).Int("pid", pid).Str("limit", name).Msg("prlimit failed")
		}
	}
	if l.MemoryMB > 0 {
		set(unix.RLIMIT_AS, "as", uint64(l.MemoryMB)<<20)
	}
	if l.FileSizeMB > 0 {
		set(unix.RLIMIT_FSIZE, "fsize", uint64(l.FileSizeMB)<<20)
	}
}
