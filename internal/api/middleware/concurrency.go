package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
)

// ProjectConcurrency caps in-flight requests per project on expensive paths
// such as recall. Requests over the cap get 429 instead of queueing.
type ProjectConcurrency struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	cap   int
}

func NewProjectConcurrency(capPerProject int) *ProjectConcurrency {
	if capPerProject <= 0 {
		capPerProject = 4
	}
	return &ProjectConcurrency{
		slots: make(map[string]chan struct{}),
		cap:   capPerProject,
	}
}

func (pc *ProjectConcurrency) semaphore(project string) chan struct{} {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	sem, ok := pc.slots[project]
	if !ok {
		sem = make(chan struct{}, pc.cap)
		pc.slots[project] = sem
	}
	return sem
}

// Middleware reads the project from the query or header; requests without a
// project pass uncapped.
func (pc *ProjectConcurrency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project_id")
		if project == "" {
			project = r.Header.Get("X-Project-ID")
		}
		if project == "" {
			next.ServeHTTP(w, r)
			return
		}

		sem := pc.semaphore(project)
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "project concurrency limit reached"})
		}
	})
}
