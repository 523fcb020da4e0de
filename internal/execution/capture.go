package execution

import (
	"bytes"
	"sync"
)

const truncatedMarker = "\n... [output truncated]"

// captureBuffer keeps the first max bytes written to it. It is safe for
// concurrent use since a timed-out script may still be printing.
type captureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCapture(max int) *captureBuffer {
	return &captureBuffer{max: max}
}

// Write never fails, so a full buffer does not break the writer's pipe.
func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - c.buf.Len(); room < len(p) {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *captureBuffer) WriteString(s string) {
	c.Write([]byte(s))
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncatedMarker
	}
	return c.buf.String()
}

func (c *captureBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

func (c *captureBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
