package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"tailscale.com/tsweb"
)

// ErrDuplicateTopic is returned when registering a topic name twice.
var ErrDuplicateTopic = errors.New("topic already registered")

// Source is the type-erased view of a Topic used by the registry, the admin
// routes, and the gRPC bridge.
type Source interface {
	Name() string
	Stats() Stats
	SubscribeJSON(ctx context.Context) <-chan []byte
	Close() error
}

// Registry names the topics of a process.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source under its name.
func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, s.Name())
	}
	r.sources[s.Name()] = s
	return nil
}

// Add creates a topic and registers it.
func Add[T any](r *Registry, name string, qos QoS) (*Topic[T], error) {
	topic := NewTopic[T](name, qos)
	if err := r.Register(topic); err != nil {
		return nil, err
	}
	return topic, nil
}

// Lookup returns the source registered under name.
func (r *Registry) Lookup(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

// Topics returns stats for every registered topic, sorted by name.
func (r *Registry) Topics() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every registered topic.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, s := range r.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// AttachAdminRoutes mounts topic debugging endpoints under /debug/. These
// routes are accessible only over localhost/via Tailscale.
func (r *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("topics", "list bus topics and delivery counters", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Topics()); err != nil {
			http.Error(w, "Failed to encode topics", http.StatusInternalServerError)
		}
	})

	// Server-Sent Events stream of a topic; latched history is sent first.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := req.URL.Query().Get("topic")
		if name == "" {
			http.Error(w, "Missing topic", http.StatusBadRequest)
			return
		}
		source, ok := r.Lookup(name)
		if !ok {
			http.Error(w, "Unknown topic", http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		messages := source.SubscribeJSON(req.Context())

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for payload := range messages {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	})
}
