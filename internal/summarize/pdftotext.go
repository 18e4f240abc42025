package summarize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrPDFToolNotFound is returned when the pdftotext binary cannot be found.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH (install poppler-utils)")

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PDFToText extracts text with poppler's pdftotext.
type PDFToText struct {
	path   string
	runner CommandRunner
}

// NewPDFToText uses the binary at path, or "pdftotext" from PATH when empty.
func NewPDFToText(path string) *PDFToText {
	return NewPDFToTextWithRunner(path, execRunner{})
}

// NewPDFToTextWithRunner is NewPDFToText with an injected runner.
func NewPDFToTextWithRunner(path string, runner CommandRunner) *PDFToText {
	if path == "" {
		path = "pdftotext"
	}
	return &PDFToText{path: path, runner: runner}
}

// CheckAvailable reports whether the configured binary can be found.
func (p *PDFToText) CheckAvailable() error {
	if _, err := exec.LookPath(p.path); err != nil {
		return ErrPDFToolNotFound
	}
	return nil
}

// ExtractText writes pdf to a temporary file and reads pdftotext's stdout.
func (p *PDFToText) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	f, err := os.CreateTemp("", "pdfsync-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(pdf); err != nil {
		f.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	out, err := p.runner.Run(ctx, p.path, "-layout", "-enc", "UTF-8", f.Name(), "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrPDFToolNotFound
		}
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	return string(out), nil
}
