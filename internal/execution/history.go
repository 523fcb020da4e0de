package execution

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"swiss-sandbox/internal/sandbox"
)

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	ContextID string
	Language  string
	Limit     int
}

// Statistics are derived from the engine counters.
type Statistics struct {
	Total              int            `json:"total"`
	Successful         int            `json:"successful"`
	Failed             int            `json:"failed"`
	TimedOut           int            `json:"timed_out"`
	SecurityRejections int            `json:"security_rejections"`
	SuccessRate        float64        `json:"success_rate"`
	ActiveContexts     int            `json:"active_contexts"`
	Languages          map[string]int `json:"languages"`
	HistorySize        int            `json:"history_size"`
}

type counters struct {
	total      int
	successful int
	failed     int
	timedOut   int
	security   int
	languages  map[string]int
}

func newCounters() counters {
	return counters{languages: make(map[string]int)}
}

func (c *counters) add(language string, r *sandbox.ExecutionResult) {
	c.total++
	c.languages[language]++
	if r.Success {
		c.successful++
		return
	}
	c.failed++
	switch r.ErrorKind {
	case sandbox.KindTimeout:
		c.timedOut++
	case sandbox.KindSecurity:
		c.security++
	}
}

func codeHash(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// appendRecord adds rec and drops the oldest entries beyond limit. Requires
// e.mu.
func (e *Engine) appendRecord(rec *sandbox.ExecutionRecord) {
	e.history = append(e.history, rec)
	if over := len(e.history) - e.opts.HistoryLimit; over > 0 {
		// copy so the dropped records can be collected
		e.history = append([]*sandbox.ExecutionRecord(nil), e.history[over:]...)
	}
}

// History returns matching records, most recent first.
func (e *Engine) History(f HistoryFilter) []sandbox.ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []sandbox.ExecutionRecord
	for i := len(e.history) - 1; i >= 0; i-- {
		rec := e.history[i]
		if f.ContextID != "" && rec.ContextID != f.ContextID {
			continue
		}
		if f.Language != "" && rec.Language != f.Language {
			continue
		}
		cp := *rec
		cp.Result = rec.Result.Clone()
		out = append(out, cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Statistics{
		Total:              e.counters.total,
		Successful:         e.counters.successful,
		Failed:             e.counters.failed,
		TimedOut:           e.counters.timedOut,
		SecurityRejections: e.counters.security,
		ActiveContexts:     len(e.contexts),
		Languages:          make(map[string]int, len(e.counters.languages)),
		HistorySize:        len(e.history),
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	for k, v := range e.counters.languages {
		s.Languages[k] = v
	}
	return s
}
