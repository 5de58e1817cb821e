package listener

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

// FileTailConfig configures a FileTail listener.
type FileTailConfig struct {
	Path      string
	SkewBound time.Duration
	Metrics   Metrics
}

// FileTail follows appends to a single log file, emitting one
// log_file envelope per line, the way a syslog/nginx access-log
// forwarder would. It watches the file itself with fsnotify and keeps
// reading from the handle opened at startup; a new file that replaces
// the path after log rotation is not opened, so its lines are not read.
type FileTail struct {
	cfg     FileTailConfig
	healthy bool
}

// NewFileTail returns a FileTail listener for cfg.Path.
func NewFileTail(cfg FileTailConfig) *FileTail {
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics
	}
	return &FileTail{cfg: cfg}
}

func (f *FileTail) Name() string { return "file:" + f.cfg.Path }

func (f *FileTail) Healthy() bool { return f.healthy }

func (f *FileTail) Stop() error { return nil }

func (f *FileTail) Start(ctx context.Context, enqueue EnqueueFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.healthy = false
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(f.cfg.Path); err != nil {
		f.healthy = false
		return err
	}

	file, offset, err := f.openAtEnd()
	if err != nil {
		f.healthy = false
		return err
	}
	defer file.Close()
	f.healthy = true

	reader := bufio.NewReader(file)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			offset = f.drain(reader, file, offset, enqueue)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.healthy = false
			_ = werr
		}
	}
}

// openAtEnd opens path positioned at EOF so tailing only sees new
// lines appended after startup.
func (f *FileTail) openAtEnd() (*os.File, int64, error) {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return nil, 0, err
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, offset, nil
}

func (f *FileTail) drain(reader *bufio.Reader, file *os.File, offset int64, enqueue EnqueueFunc) int64 {
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && err == nil {
			offset += int64(len(line))
			f.emit(line, enqueue)
			continue
		}
		if len(line) > 0 && err == io.EOF {
			// Partial line at EOF; rewind so the next read picks it up whole.
			if _, serr := file.Seek(offset, io.SeekStart); serr == nil {
				reader.Reset(file)
			}
		}
		return offset
	}
}

func (f *FileTail) emit(line string, enqueue EnqueueFunc) {
	now := time.Now()
	env := envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now,
		Type:       envelope.TypeLogFile,
		Source:     f.Name(),
		Payload: map[string]any{
			"line": trimNewline(line),
		},
	}
	Normalize(&env, now, f.cfg.SkewBound, f.cfg.Metrics)
	EnqueueLossy(enqueue, env, f.cfg.Metrics)
}

func trimNewline(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}
