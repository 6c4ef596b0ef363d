package logs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Level is the severity written in the second bracket of every log line.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

const (
	lineTimeFormat   = "2006-01-02 15:04:05.000"
	bannerTimeFormat = "2006-01-02 15:04:05"
	bannerRule       = "================================================================================"
)

// ErrClosed is returned by operations on a sink that has already been closed.
var ErrClosed = errors.New("log sink closed")

// now is swapped in tests to pin timestamps.
var now = time.Now

// Field is a structured key/value appended to a log line as " | key=value".
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Banner describes the header and footer block framing a log file.
type Banner struct {
	Title       string
	Lines       []string
	FooterTitle string
}

// Sink is a single append-only log file. All methods are safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	banner *Banner
	closed bool
	err    error
}

// OpenSink creates path (and its parent directories) exclusively and writes
// the banner header. It fails if the file already exists.
func OpenSink(path string, banner Banner) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	s := &Sink{path: path, file: f, banner: &banner}
	if _, err := f.WriteString(banner.header(now())); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write log header: %w", err)
	}
	return s, nil
}

// AttachSink opens an existing log file for appending without writing a
// banner. Closing an attached sink writes no footer.
func AttachSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("attach log file: %w", err)
	}
	return &Sink{path: path, file: f}, nil
}

// Path returns the file path backing the sink.
func (s *Sink) Path() string {
	return s.path
}

// Log writes one formatted line. Lines logged after Close are dropped.
func (s *Sink) Log(level Level, msg string, fields ...Field) {
	_ = s.write(FormatLine(now(), level, msg, fields...))
}

func (s *Sink) Debug(msg string, fields ...Field) { s.Log(LevelDebug, msg, fields...) }
func (s *Sink) Info(msg string, fields ...Field)  { s.Log(LevelInfo, msg, fields...) }
func (s *Sink) Warn(msg string, fields ...Field)  { s.Log(LevelWarning, msg, fields...) }
func (s *Sink) Error(msg string, fields ...Field) { s.Log(LevelError, msg, fields...) }

// AgentMessage records one block of agent conversation output.
func (s *Sink) AgentMessage(kind, content string) {
	s.Info("[Agent] "+kind, F("content", content))
}

// LogError records err with its concrete type and the current goroutine stack.
func (s *Sink) LogError(err error) {
	if err == nil {
		return
	}
	s.Error(fmt.Sprintf("%T: %v", err, err), F("stack", string(debug.Stack())))
}

// Print writes each line of a possibly multi-line message prefixed only by a
// timestamp. The primary session log uses this form to mirror console output.
func (s *Sink) Print(msg string) {
	ts := now().Format(lineTimeFormat)
	var b strings.Builder
	lines := strings.Split(strings.TrimRight(msg, "\n"), "\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", ts, line)
	}
	_ = s.write(b.String())
}

func (s *Sink) write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.file.WriteString(text); err != nil {
		err = fmt.Errorf("write log line: %w", err)
		if s.err == nil {
			s.err = err
		}
		return err
	}
	return nil
}

// Err returns the first error hit while writing a line, or nil. Writes
// dropped because the sink is closed are not errors.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close appends the footer and releases the file. Calling Close again is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.banner != nil {
		if _, err := s.file.WriteString(s.banner.footer(now())); err != nil {
			errs = append(errs, fmt.Errorf("write log footer: %w", err))
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file %s: %w", s.path, err))
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FormatLine renders a single log line including its trailing newline.
func FormatLine(ts time.Time, level Level, msg string, fields ...Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%-7s] %s", ts.Format(lineTimeFormat), level, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " | %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return b.String()
}

func (b *Banner) header(ts time.Time) string {
	var sb strings.Builder
	sb.WriteString("\n" + bannerRule + "\n")
	sb.WriteString(b.Title + "\n")
	for _, l := range b.Lines {
		sb.WriteString(l + "\n")
	}
	sb.WriteString("Started: " + ts.Format(bannerTimeFormat) + "\n")
	sb.WriteString(bannerRule + "\n\n")
	return sb.String()
}

func (b *Banner) footer(ts time.Time) string {
	return "\n" + bannerRule + "\n" +
		b.FooterTitle + "\n" +
		"Ended: " + ts.Format(bannerTimeFormat) + "\n" +
		bannerRule + "\n"
}
