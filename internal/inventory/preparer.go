package inventory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "postpilot/pkg/logx"
)

// Preparer turns a raw source reference into a publish-ready media file on
// local disk and returns its path.
type Preparer interface {
	Prepare(ctx context.Context, sourceRef, caption string) (string, error)
}

// ExecPreparer shells out to an external command:
//
//	<command> <source-ref> <output-path>
//
// with the caption passed via POSTPILOT_CAPTION. The command must exit zero
// and leave the prepared media at the output path.
type ExecPreparer struct {
	command string
	workDir string
	timeout time.Duration
	log     logx.Logger
}

func NewExecPreparer(command, workDir string, timeout time.Duration, log logx.Logger) (*ExecPreparer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("prepare command is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	return &ExecPreparer{command: command, workDir: workDir, timeout: timeout, log: log}, nil
}

func (p *ExecPreparer) Prepare(ctx context.Context, sourceRef, caption string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out := filepath.Join(p.workDir, "prep-"+uuid.NewString()+".mp4")

	args := strings.Fields(p.command)
	args = append(args, sourceRef, out)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "POSTPILOT_CAPTION="+caption)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("prepare %q: %w: %s", sourceRef, err, truncateOutput(output))
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("prepare %q: command produced no output file", sourceRef)
	}

	p.log.Debug("prepared media",
		logx.String("source", sourceRef),
		logx.Duration("took", time.Since(start)))
	return out, nil
}

func truncateOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
