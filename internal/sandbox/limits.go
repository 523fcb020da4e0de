package sandbox

import (
	"fmt"
	"time"
)

// ResourceLimits bounds a single execution.
type ResourceLimits struct {
	Timeout    time.Duration `json:"timeout"` // 0 means unbounded
	MemoryMB   int64         `json:"memory_mb"`
	CPUs       float64       `json:"cpus"` // 1.0 = one full core
	Processes  int64         `json:"processes"`
	FileSizeMB int64         `json:"file_size_mb"`
}

// DefaultLimits returns the limits used when a context is created without any.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		Timeout:    30 * time.Second,
		MemoryMB:   512,
		CPUs:       1.0,
		Processes:  10,
		FileSizeMB: 100,
	}
}

func (l ResourceLimits) Validate() error {
	if l.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if l.MemoryMB < 0 {
		return fmt.Errorf("%w: memory_mb must not be negative", ErrInvalidRequest)
	}
	if l.MemoryMB > 0 && l.MemoryMB < 16 {
		return fmt.Errorf("%w: memory_mb must be >= 16", ErrInvalidRequest)
	}
	if l.CPUs < 0 || l.CPUs > 64 {
		return fmt.Errorf("%w: cpus must be between 0 and 64", ErrInvalidRequest)
	}
	if l.Processes < 0 {
		return fmt.Errorf("%w: processes must not be negative", ErrInvalidRequest)
	}
	if l.FileSizeMB < 0 {
		return fmt.Errorf("%w: file_size_mb must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Merge fills the zero fields of l from base. A zero Timeout is kept since it
// means unbounded; callers that want the default timeout must set it.
func (l ResourceLimits) Merge(base ResourceLimits) ResourceLimits {
	if l.MemoryMB == 0 {
		l.MemoryMB = base.MemoryMB
	}
	if l.CPUs == 0 {
		l.CPUs = base.CPUs
	}
	if l.Processes == 0 {
		l.Processes = base.Processes
	}
	if l.FileSizeMB == 0 {
		l.FileSizeMB = base.FileSizeMB
	}
	return l
}
