package policy

import (
	"fmt"

	"swiss-sandbox/internal/isolation"
)

// Manager holds one compiled Engine per level.
type Manager struct {
	engines map[Level]*Engine
}

// NewManager compiles every preset with ov applied.
func NewManager(ov Overrides, provider isolation.Provider) (*Manager, error) {
	m := &Manager{engines: make(map[Level]*Engine, 4)}
	for _, lvl := range []Level{LevelLow, LevelModerate, LevelHigh, LevelStrict} {
		e, err := NewEngine(lvl, ov.apply(Preset(lvl)), provider)
		if err != nil {
			return nil, fmt.Errorf("compile %s policy: %w", lvl, err)
		}
		m.engines[lvl] = e
	}
	return m, nil
}

// Engine returns the engine for level, falling back to the default level
// for unknown or empty values.
func (m *Manager) Engine(level Level) *Engine {
	if e, ok := m.engines[level]; ok {
		return e
	}
	return m.engines[DefaultLevel]
}

// Default returns the engine for DefaultLevel.
func (m *Manager) Default() *Engine {
	return m.engines[DefaultLevel]
}
