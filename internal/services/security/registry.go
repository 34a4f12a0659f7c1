package security

import (
	"sync"
)

// KillRegistry tracks in-flight streams so async detector results can
// terminate them. The pump registers a kill func per request and removes it
// when the stream ends; kills racing stream completion are lost, which is
// fine, the stream is already gone.
type KillRegistry struct {
	mu      sync.Mutex
	streams map[string]func(reason string)
}

func NewKillRegistry() *KillRegistry {
	return &KillRegistry{streams: make(map[string]func(string))}
}

func (r *KillRegistry) Register(requestID string, kill func(reason string)) {
	r.mu.Lock()
	r.streams[requestID] = kill
	r.mu.Unlock()
}

func (r *KillRegistry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.streams, requestID)
	r.mu.Unlock()
}

// Kill invokes the stream's kill func if it is still registered.
func (r *KillRegistry) Kill(requestID, reason string) bool {
	r.mu.Lock()
	kill, ok := r.streams[requestID]
	delete(r.streams, requestID)
	r.mu.Unlock()

	if ok {
		kill(reason)
	}
	return ok
}
