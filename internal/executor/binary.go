package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
)

// ArtifactFetcher copies an artifact into a directory and returns its path.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, ref, dir string) (string, error)
}

// BinaryOptions bounds a binary run.
type BinaryOptions struct {
	Timeout        time.Duration
	MemoryLimitMB  int
	MaxOutputBytes int
	WorkDir        string
	// KillGrace bounds the wait for output pipes after the group is killed.
	KillGrace time.Duration
	// WatchInterval is how often RSS is sampled.
	WatchInterval time.Duration
}

// Binary runs uploaded executables and scripts.
type Binary struct {
	fetcher ArtifactFetcher
	opts    BinaryOptions
	log     *zap.SugaredLogger
}

// NewBinary builds the binary executor.
func NewBinary(f ArtifactFetcher, opts BinaryOptions, log *zap.SugaredLogger) *Binary {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 64 * 1024
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 250 * time.Millisecond
	}
	return &Binary{fetcher: f, opts: opts, log: logging.Component(log, "binary")}
}

// Execute fetches the artifact into a private directory and runs it in its
// own process group under the timeout and memory ceiling. Cancellation is
// honoured only before the process starts; a started process runs to exit
// or timeout and its real outcome is reported.
func (b *Binary) Execute(ctx context.Context, job models.Job, checkpoint Checkpoint) Outcome {
	if job.Binary == nil {
		return Fatal("job has no binary payload")
	}
	if err := checkpoint(); err != nil {
		return Cancelled("cancelled before start")
	}
	args, err := shellquote.Split(job.Binary.Arguments)
	if err != nil {
		return Fatal("invalid arguments: " + err.Error())
	}

	dir, err := os.MkdirTemp(b.opts.WorkDir, "job-")
	if err != nil {
		return Deferred("create work dir: " + err.Error())
	}
	defer os.RemoveAll(dir)

	path, err := b.fetcher.Fetch(ctx, job.Binary.ArtifactReference, dir)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrDependencyUnavailable):
		return Deferred("artifact storage unavailable: " + err.Error())
	case apperr.IsNotFound(err):
		return Fatal("artifact not found: " + job.Binary.ArtifactReference)
	default:
		return Fatal("fetch artifact: " + err.Error())
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return Fatal("mark artifact executable: " + err.Error())
	}

	name, argv := commandFor(path, job.Binary.OriginalFilename, args)
	if err := checkpoint(); err != nil {
		return Cancelled("cancelled before start")
	}
	return b.run(ctx, job, dir, name, argv)
}

func (b *Binary) run(ctx context.Context, job models.Job, dir, name string, argv []string) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	out := &cappedBuffer{max: b.opts.MaxOutputBytes}
	cmd := exec.CommandContext(runCtx, name, argv...)
	cmd.Dir = dir
	cmd.Env = minimalEnv(dir, job)
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = b.opts.KillGrace

	if err := cmd.Start(); err != nil {
		return Fatal("start: " + err.Error())
	}
	b.log.Infow("Binary started", logging.FieldJobID, job.ID, "pid", cmd.Process.Pid, "command", name)

	var killed atomic.Pointer[string]
	done := make(chan struct{})
	go b.watch(cmd, &killed, done)
	err := cmd.Wait()
	close(done)

	o := Outcome{Output: out.String()}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		o.ExitCode = &code
	}
	var reason string
	if r := killed.Load(); r != nil {
		reason = *r
	}
	switch {
	case reason != "":
		o.Kind, o.Reason = KindRetryable, reason
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		o.Kind, o.Reason = KindRetryable, fmt.Sprintf("timed out after %s", b.opts.Timeout)
	case ctx.Err() != nil:
		o.Kind, o.Reason = KindRetryable, "interrupted by shutdown"
	case err == nil:
		o.Kind, o.Reason = KindSuccess, "exit status 0"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			o.Kind, o.Reason = KindRetryable, fmt.Sprintf("exit status %d", exitErr.ExitCode())
		} else {
			o.Kind, o.Reason = KindFatal, "wait: "+err.Error()
		}
	}
	return o
}

// watch enforces the memory ceiling while the process runs.
func (b *Binary) watch(cmd *exec.Cmd, killed *atomic.Pointer[string], done <-chan struct{}) {
	limit := uint64(b.opts.MemoryLimitMB) * 1024 * 1024
	proc, _ := process.NewProcess(int32(cmd.Process.Pid))
	if limit == 0 || proc == nil {
		return
	}
	ticker := time.NewTicker(b.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if rss := treeRSS(proc); rss > limit {
			reason := fmt.Sprintf("memory limit exceeded: %d MiB > %d MiB", rss>>20, b.opts.MemoryLimitMB)
			killed.Store(&reason)
			_ = killGroup(cmd)
			return
		}
	}
}

// treeRSS sums resident memory of p and its descendants.
func treeRSS(p *process.Process) uint64 {
	var total uint64
	if mi, err := p.MemoryInfo(); err == nil {
		total += mi.RSS
	}
	children, _ := p.Children()
	for _, c := range children {
		total += treeRSS(c)
	}
	return total
}

// commandFor picks an interpreter from the file extension.
func commandFor(path, originalName string, args []string) (string, []string) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(path))
	}
	switch ext {
	case ".py":
		return "python3", append([]string{path}, args...)
	case ".sh":
		return "bash", append([]string{path}, args...)
	case ".jar":
		return "java", append([]string{"-jar", path}, args...)
	default:
		return path, args
	}
}

func minimalEnv(dir string, job models.Job) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"JOB_ID=" + job.ID,
		"JOB_NAME=" + job.Name,
	}
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
			c.truncated = true
		} else {
			c.buf = append(c.buf, p...)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(c.buf) + "\n...[output truncated]"
	}
	return string(c.buf)
}
