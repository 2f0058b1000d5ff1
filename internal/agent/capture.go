package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const captureTimeout = 30 * time.Second

// Capturer produces one image capture. Implementations wrap whatever
// platform tool takes the picture; the agent core only sees bytes and a
// filename.
type Capturer interface {
	Capture(ctx context.Context) (data []byte, filename string, err error)
}

// ExecCapturer shells out to a configured capture command. The command gets
// the output path appended as its final argument and must write a JPEG
// there, e.g. "fswebcam --no-banner" or "screencapture -x".
type ExecCapturer struct {
	command string
	logger  *zap.Logger
}

func NewExecCapturer(command string, logger *zap.Logger) *ExecCapturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecCapturer{
		command: command,
		logger:  logger,
	}
}

func (c *ExecCapturer) Capture(ctx context.Context) ([]byte, string, error) {
	fields := strings.Fields(c.command)
	if len(fields) == 0 {
		return nil, "", fmt.Errorf("no capture command configured")
	}

	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("capture-%d.jpg", time.Now().UnixMilli()))
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	args := append(fields[1:], outPath)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		c.logger.Warn("capture command failed",
			zap.String("command", fields[0]),
			zap.ByteString("output", output),
			zap.Error(err),
		)
		return nil, "", fmt.Errorf("run capture command: %w", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, "", fmt.Errorf("read capture output: %w", err)
	}

	filename := fmt.Sprintf("snap-%s.jpg", time.Now().UTC().Format("20060102-150405"))
	return data, filename, nil
}
