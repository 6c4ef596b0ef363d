package logs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
)

// FileTimestampFormat is the timestamp embedded in log file names.
const FileTimestampFormat = "20060102-150405"

// maxNameAttempts bounds the disambiguator search when a file name is taken.
const maxNameAttempts = 1000

// Registry owns the primary session log and one sink per fork.
// It is safe for concurrent use.
type Registry struct {
	dir      string
	repoName string
	primary  *Sink

	mu    sync.Mutex
	sinks map[int]*Sink
	order []int
}

// NewRegistry creates dir if needed and opens the primary session log
// {dir}/primary-{repoName}-{timestamp}.log.
func NewRegistry(dir, repoName string) (*Registry, error) {
	banner := Banner{
		Title:       "PRIMARY EXECUTION LOG - " + repoName,
		Lines:       []string{"System-level messages (validation, configuration, results)"},
		FooterTitle: "PRIMARY EXECUTION LOG - COMPLETED",
	}
	primary, err := openUnique(dir, "primary-"+sanitize(repoName), banner)
	if err != nil {
		return nil, fmt.Errorf("create primary log: %w", err)
	}
	return &Registry{
		dir:      dir,
		repoName: repoName,
		primary:  primary,
		sinks:    make(map[int]*Sink),
	}, nil
}

// Dir returns the directory holding every log file of the session.
func (r *Registry) Dir() string {
	return r.dir
}

// CreateSink opens {dir}/{branch}-fork-{forkIndex}-{timestamp}.log for a fork.
func (r *Registry) CreateSink(forkIndex int, branch string) (*Sink, error) {
	r.mu.Lock()
	if _, exists := r.sinks[forkIndex]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("sink for fork %d already exists", forkIndex)
	}
	r.mu.Unlock()

	banner := Banner{
		Title:       fmt.Sprintf("FORK #%d - %s", forkIndex, r.repoName),
		Lines:       []string{"Branch: " + branch},
		FooterTitle: fmt.Sprintf("FORK #%d - COMPLETED", forkIndex),
	}
	s, err := openUnique(r.dir, fmt.Sprintf("%s-fork-%d", sanitize(branch), forkIndex), banner)
	if err != nil {
		return nil, fmt.Errorf("create log for fork %d: %w", forkIndex, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[forkIndex]; exists {
		_ = s.Close()
		return nil, fmt.Errorf("sink for fork %d already exists", forkIndex)
	}
	r.sinks[forkIndex] = s
	r.order = append(r.order, forkIndex)
	return s, nil
}

// GetSink returns the sink previously created for forkIndex.
func (r *Registry) GetSink(forkIndex int) (*Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[forkIndex]
	return s, ok
}

// LogPrimary writes a possibly multi-line message to the primary session log.
func (r *Registry) LogPrimary(msg string) {
	r.primary.Print(msg)
}

// PrimaryPath returns the primary session log path.
func (r *Registry) PrimaryPath() string {
	return r.primary.Path()
}

// AllPaths returns the primary log path followed by every fork log path in
// creation order.
func (r *Registry) AllPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.order)+1)
	paths = append(paths, r.primary.Path())
	for _, i := range r.order {
		paths = append(paths, r.sinks[i].Path())
	}
	return paths
}

// CloseAll closes every owned sink, attempting each one even after a
// failure, and returns the joined errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sinks := make([]*Sink, 0, len(r.order)+1)
	sinks = append(sinks, r.primary)
	for _, i := range r.order {
		sinks = append(sinks, r.sinks[i])
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openUnique opens {dir}/{base}-{timestamp}.log, appending -2, -3, ... to the
// timestamp when another sink already claimed the name.
func openUnique(dir, base string, banner Banner) (*Sink, error) {
	ts := now().Format(FileTimestampFormat)
	for n := 1; n <= maxNameAttempts; n++ {
		name := fmt.Sprintf("%s-%s.log", base, ts)
		if n > 1 {
			name = fmt.Sprintf("%s-%s-%d.log", base, ts, n)
		}
		s, err := OpenSink(filepath.Join(dir, name), banner)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free log file name for %s after %d attempts", base, maxNameAttempts)
}

// sanitize keeps branch labels from introducing path separators.
func sanitize(label string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(label)
}
