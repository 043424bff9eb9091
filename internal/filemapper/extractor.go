package filemapper

import (
	"context"
	"fmt"
	"os/exec"
)

// CLIExtractor shells out to an external unrar-compatible binary. No
// archive library appears anywhere in the example pack's dependency
// surface, so this wraps the external tool the way a deployment would
// already have it installed, rather than vendoring an archive codec.
type CLIExtractor struct {
	BinaryPath string // defaults to "unrar" on PATH
}

func NewCLIExtractor(binaryPath string) *CLIExtractor {
	if binaryPath == "" {
		binaryPath = "unrar"
	}
	return &CLIExtractor{BinaryPath: binaryPath}
}

func (e *CLIExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	cmd := exec.CommandContext(ctx, e.BinaryPath, "x", "-o+", archivePath, destDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("filemapper: extract %s: %w: %s", archivePath, err, out)
	}
	return nil
}
