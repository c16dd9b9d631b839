package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/edgestream/pkg/storage/objectstore"
)

// Config configures still-frame capture.
type Config struct {
	Enabled bool
	// Command is the grabber argv; the placeholder {output} is replaced by
	// the destination path. Example:
	// ffmpeg -y -f v4l2 -i /dev/video0 -frames:v 1 {output}
	Command        []string
	OutputDir      string
	FilenamePrefix string
	Timeout        time.Duration
	// Archive uploads captured frames to the object store when set.
	Archive objectstore.Client
}

// Result describes one capture attempt. Captured is false when the device
// or grabber is unavailable; that is an expected condition, not an error.
type Result struct {
	Path       string
	ObjectKey  string
	Captured   bool
	CapturedAt time.Time
}

// Capturer grabs still frames by running an external grabber command.
// Capture is optional and fault-isolated: nothing here ever aborts
// ingestion.
type Capturer struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Capturer; nil means capture is disabled.
func New(cfg Config, logger *zap.Logger) *Capturer {
	if !cfg.Enabled || len(cfg.Command) == 0 {
		return nil
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./captures"
	}
	if cfg.FilenamePrefix == "" {
		cfg.FilenamePrefix = "edge"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{cfg: cfg, logger: logger}
}

// Capture grabs one frame, optionally archives it, and reports the outcome.
func (c *Capturer) Capture(ctx context.Context) Result {
	if c == nil {
		return Result{}
	}
	now := time.Now().UTC()

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		c.logger.Warn("capture dir unavailable", zap.String("dir", c.cfg.OutputDir), zap.Error(err))
		return Result{}
	}
	output := filepath.Join(c.cfg.OutputDir,
		fmt.Sprintf("%s-%s.jpg", c.cfg.FilenamePrefix, uuid.NewString()))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	argv := make([]string, len(c.cfg.Command))
	for i, arg := range c.cfg.Command {
		argv[i] = strings.ReplaceAll(arg, "{output}", output)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Warn("frame grab failed",
			zap.String("command", argv[0]),
			zap.ByteString("output", truncate(out, 512)),
			zap.Error(err))
		return Result{}
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		c.logger.Warn("grabber produced no frame", zap.String("path", output))
		return Result{}
	}

	res := Result{Path: output, Captured: true, CapturedAt: now}
	res.ObjectKey = c.archive(ctx, output, now)
	return res
}

// archive uploads the frame under a date-partitioned key. Failures are
// logged and leave the local file as the only copy.
func (c *Capturer) archive(ctx context.Context, path string, now time.Time) string {
	if c.cfg.Archive == nil {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		c.logger.Warn("archive open failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		c.logger.Warn("archive stat failed", zap.String("path", path), zap.Error(err))
		return ""
	}

	key := fmt.Sprintf("%s/%s", now.Format("2006/01/02"), filepath.Base(path))
	metadata := map[string]string{"content_type": "image/jpeg"}
	if err := c.cfg.Archive.Put(ctx, key, f, info.Size(), metadata); err != nil {
		c.logger.Warn("frame archive failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return key
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
