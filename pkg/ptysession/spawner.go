package ptysession

import (
	"fmt"
	"os"
)

// Spawner builds and registers new Sessions on demand, satisfying
// transport.SessionSpawner structurally. argv is the child command line
// shared by every session; baseEnv is appended to with LOOMD_EXECUTABLE
// so a hook script running inside the PTY can locate the daemon binary
// via `$LOOMD_EXECUTABLE event send ...`.
type Spawner struct {
	registry *Registry
	backend  Backend
	argv     []string
	baseEnv  []string
	sink     OutputSink
}

// NewSpawner constructs a Spawner. execPath is the daemon's own
// executable path (os.Executable()); it's exported as LOOMD_EXECUTABLE
// in every spawned child's environment. sink may be nil to disable
// event-log mirroring of PTY output.
func NewSpawner(registry *Registry, backend Backend, argv []string, baseEnv []string, execPath string, sink OutputSink) *Spawner {
	env := append(append([]string{}, baseEnv...), fmt.Sprintf("LOOMD_EXECUTABLE=%s", execPath))
	return &Spawner{registry: registry, backend: backend, argv: argv, baseEnv: env, sink: sink}
}

// Spawn creates, registers, and starts a new session under id. If cwd is
// empty the child inherits the daemon's own working directory.
func (sp *Spawner) Spawn(id, displayName, cwd string, size Winsize) (*Session, error) {
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	var created *Session
	s, isNew := sp.registry.GetOrCreate(id, func() *Session {
		created = NewSession(id, displayName, cwd, sp.argv)
		return created
	})
	if !isNew {
		return s, nil
	}

	created.SetOutputSink(sp.sink)
	if err := created.Start(sp.backend, sp.baseEnv, size); err != nil {
		sp.registry.Unregister(id)
		return nil, fmt.Errorf("ptysession: start %s: %w", id, err)
	}
	return created, nil
}
