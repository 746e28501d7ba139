package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/brunobiangulo/lawbridge/normalizer"
)

// OCR extracts raw text from an image. An unreadable image or an empty
// result is reported as normalizer.ErrMalformedInput, never as "".
type OCR interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
	Name() string
}

// TesseractOCR runs the tesseract command-line tool.
type TesseractOCR struct {
	Binary   string // defaults to "tesseract"
	Language string // defaults to "eng"
}

func (t *TesseractOCR) Name() string { return "tesseract" }

func (t *TesseractOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", normalizer.ErrMalformedInput)
	}
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	lang := t.Language
	if lang == "" {
		lang = "eng"
	}

	tmp, err := os.CreateTemp("", "lawbridge-ocr-*")
	if err != nil {
		return "", fmt.Errorf("creating temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp image: %w", err)
	}
	tmp.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, tmp.Name(), "stdout", "-l", lang)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			// Binary missing: a configuration problem, not a bad image.
			return "", fmt.Errorf("running %s: %w", bin, err)
		}
		return "", fmt.Errorf("%w: tesseract: %s", normalizer.ErrMalformedInput, strings.TrimSpace(stderr.String()))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%w: no text recognised in image", normalizer.ErrMalformedInput)
	}
	return text, nil
}

// ChainOCR tries each engine in order and returns the first non-empty text.
type ChainOCR []OCR

func (c ChainOCR) Name() string {
	names := make([]string, len(c))
	for i, o := range c {
		names[i] = o.Name()
	}
	return strings.Join(names, ",")
}

func (c ChainOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	var lastErr error
	for _, o := range c {
		text, err := o.ExtractText(ctx, image)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("ocr: engine failed, trying next", "engine", o.Name(), "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no OCR engine configured")
	}
	return "", fmt.Errorf("%w: all OCR engines failed: %v", normalizer.ErrMalformedInput, lastErr)
}
