// Package summarize produces a short plain-text summary of a PDF: text is
// extracted with pdftotext, capped, and sent to a generative model.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxInputRunes caps the text sent to the model.
const MaxInputRunes = 12_000

var (
	// ErrNoText is returned when the document has no extractable text.
	ErrNoText = errors.New("document has no extractable text")
	// ErrNotConfigured is returned by Unavailable.
	ErrNotConfigured = errors.New("summarization is not configured")
)

// Extractor pulls plain text out of PDF bytes.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// Summarizer condenses plain text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Pipeline extracts, truncates and summarizes.
type Pipeline struct {
	Extractor  Extractor
	Summarizer Summarizer
	// MaxRunes defaults to MaxInputRunes when zero.
	MaxRunes int
}

// SummarizePDF runs the whole pipeline over pdf.
func (p *Pipeline) SummarizePDF(ctx context.Context, pdf []byte) (string, error) {
	text, err := p.Extractor.ExtractText(ctx, pdf)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoText
	}

	limit := p.MaxRunes
	if limit <= 0 {
		limit = MaxInputRunes
	}
	summary, err := p.Summarizer.Summarize(ctx, Truncate(text, limit))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return summary, nil
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Unavailable is a Summarizer for deployments without a model.
type Unavailable struct{}

func (Unavailable) Summarize(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}
