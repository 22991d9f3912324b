package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"code.savanna.org/golang/internal/observability"
)

const (
	archiveTimeLayout = "2006-01-02T15-04-05-000Z"
)

// FileConfig holds FileLog configuration.
type FileConfig struct {
	Path      string
	MaxBytes  int64 // rotation threshold
	QueueSize int
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// FileLog appends entries as JSON lines to a file.
//
// Entries go through a bounded queue drained by a single writer goroutine.
// When the file grows past MaxBytes it is renamed to
// "<Path>.<timestamp>.old" and a fresh file is started.
type FileLog struct {
	cfg   FileConfig
	queue chan request
	done  chan struct{}
	now   func() time.Time

	mut    sync.RWMutex
	closed bool

	file *os.File // owned by the writer goroutine
	size int64
}

type request struct {
	line  []byte
	flush chan struct{}
}

// NewFileLog opens cfg.Path for appending and starts the writer goroutine.
// It errors if the file can not be opened.
func NewFileLog(cfg FileConfig) (*FileLog, error) {
	fl, err := newFileLog(cfg)
	if nil != err {
		return nil, err
	}
	go fl.run()

	return fl, nil
}

func newFileLog(cfg FileConfig) (*FileLog, error) {
	if "" == cfg.Path {
		return nil, newError("empty Path")
	}
	if cfg.MaxBytes <= 0 {
		return nil, newError("invalid MaxBytes %d", cfg.MaxBytes)
	}
	if cfg.QueueSize <= 0 {
		return nil, newError("invalid QueueSize %d", cfg.QueueSize)
	}
	if nil == cfg.Logger {
		cfg.Logger = observability.NoopLogger()
	}

	fl := &FileLog{
		cfg:   cfg,
		queue: make(chan request, cfg.QueueSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	if err := fl.open(); nil != err {
		return nil, err
	}

	return fl, nil
}

// Append queues entry for writing.
// It errors with ErrBackpressure if the queue is full, the entry is then dropped.
func (self *FileLog) Append(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if nil != err {
		return wrapError(err, "failed marshalling entry")
	}
	line = append(line, '\n')

	self.mut.RLock()
	defer self.mut.RUnlock()

	if self.closed {
		return wrapError(ErrClosed, "can not append %s entry", entry.Kind)
	}
	select {
	case self.queue <- request{line: line}:
		return nil
	default:
		self.cfg.Metrics.AuditDropped()
		return wrapError(ErrBackpressure, "dropped %s entry for keyId %s", entry.Kind, entry.KeyId)
	}
}

// Flush waits until entries queued before the call are written.
func (self *FileLog) Flush(ctx context.Context) error {
	self.mut.RLock()
	defer self.mut.RUnlock()

	if self.closed {
		return wrapError(ErrClosed, "can not flush")
	}

	marker := make(chan struct{})
	select {
	case self.queue <- request{flush: marker}:
	case <-ctx.Done():
		return wrapError(ctx.Err(), "flush interrupted")
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return wrapError(ctx.Err(), "flush interrupted")
	}
}

// Close drains the queue and closes the file. Append fails after Close.
func (self *FileLog) Close() error {
	self.mut.Lock()
	if self.closed {
		self.mut.Unlock()
		return nil
	}
	self.closed = true
	close(self.queue)
	self.mut.Unlock()

	<-self.done
	return nil
}

func (self *FileLog) run() {
	defer close(self.done)
	defer func() {
		if nil != self.file {
			self.file.Close()
		}
	}()

	for req := range self.queue {
		if nil != req.flush {
			if nil != self.file {
				self.file.Sync()
			}
			close(req.flush)
			continue
		}
		if err := self.write(req.line); nil != err {
			self.cfg.Logger.Warn("failed writing audit entry", "path", self.cfg.Path, "error", err)
		}
	}
}

func (self *FileLog) write(line []byte) error {
	if nil == self.file {
		// a previous rotation failed to reopen the file
		if err := self.open(); nil != err {
			return err
		}
	}
	n, err := self.file.Write(line)
	self.size += int64(n)
	if nil != err {
		return wrapError(err, "failed writing %s", self.cfg.Path)
	}
	if self.size > self.cfg.MaxBytes {
		return self.rotate()
	}
	return nil
}

func (self *FileLog) rotate() error {
	self.file.Close()
	self.file = nil

	archive := self.archiveName()
	if err := os.Rename(self.cfg.Path, archive); nil != err {
		return wrapError(err, "failed renaming %s", self.cfg.Path)
	}
	self.cfg.Logger.Info("rotated audit log", "archive", archive)

	return self.open()
}

func (self *FileLog) archiveName() string {
	stamp := self.now().UTC().Format(archiveTimeLayout)
	name := fmt.Sprintf("%s.%s.old", self.cfg.Path, stamp)
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s.%s-%d.old", self.cfg.Path, stamp, i)
	}
}

func (self *FileLog) open() error {
	file, err := os.OpenFile(self.cfg.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if nil != err {
		return wrapError(err, "failed opening %s", self.cfg.Path)
	}
	info, err := file.Stat()
	if nil != err {
		file.Close()
		return wrapError(err, "failed stat %s", self.cfg.Path)
	}
	self.file = file
	self.size = info.Size()

	return nil
}

var _ Log = &FileLog{}
