package logs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Follower streams lines appended to a log file, or to every *.log file in a
// directory, as they are written.
type Follower struct {
	dir     string
	only    string // base name when following a single file
	w       io.Writer
	watcher *fsnotify.Watcher

	offsets map[string]int64
	partial map[string][]byte
}

// NewFollower starts watching path. A single file is replayed from the
// beginning; in directory mode only content written after this call is
// emitted, and each line is prefixed with its file name.
func NewFollower(path string, w io.Writer) (*Follower, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("follow %s: %w", path, err)
	}

	f := &Follower{
		w:       w,
		offsets: make(map[string]int64),
		partial: make(map[string][]byte),
	}
	if fi.IsDir() {
		f.dir = path
		matches, _ := filepath.Glob(filepath.Join(path, "*.log"))
		for _, m := range matches {
			if st, err := os.Stat(m); err == nil {
				f.offsets[m] = st.Size()
			}
		}
	} else {
		f.dir = filepath.Dir(path)
		f.only = filepath.Base(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}
	f.watcher = watcher

	if f.only != "" {
		if err := f.drain(path); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	return f, nil
}

// Run copies new lines to the writer until ctx is done or the watcher fails.
func (f *Follower) Run(ctx context.Context) error {
	defer f.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !f.relevant(ev.Name) {
				continue
			}
			if err := f.drain(ev.Name); err != nil {
				return err
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch logs: %w", err)
		}
	}
}

func (f *Follower) relevant(name string) bool {
	base := filepath.Base(name)
	if f.only != "" {
		return base == f.only
	}
	return strings.HasSuffix(base, ".log")
}

// drain emits everything appended to path since the last read. Incomplete
// trailing lines are held back until their newline arrives.
func (f *Follower) drain(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	off := f.offsets[path]
	if st, err := file.Stat(); err == nil && st.Size() < off {
		// Truncated or replaced.
		off = 0
		f.partial[path] = nil
	}
	if _, err := file.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	f.offsets[path] = off + int64(len(data))

	buf := append(f.partial[path], data...)
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		f.partial[path] = buf
		return nil
	}
	f.partial[path] = append([]byte(nil), buf[end+1:]...)

	lines := strings.Split(string(buf[:end]), "\n")
	var out strings.Builder
	for _, line := range lines {
		if f.only == "" {
			out.WriteString("[" + filepath.Base(path) + "] ")
		}
		out.WriteString(line + "\n")
	}
	_, err = io.WriteString(f.w, out.String())
	return err
}
