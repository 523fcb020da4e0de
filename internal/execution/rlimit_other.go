//go:build !linux

package execution

import "swiss-sandbox/internal/sandbox"

func applyRlimits(int, sandbox.ResourceLimits) {}
