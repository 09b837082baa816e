// Package chunker splits normalized contract text into overlapping windows.
// Sizes and offsets are measured in Unicode code points.
package chunker

import (
	"iter"
	"strings"

	"gwi.com/contract-assistant/internal/errs"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Config holds the window size and the overlap between consecutive windows.
type Config struct {
	Size    int
	Overlap int
}

// Validate rejects configurations that cannot make forward progress.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return errs.NewConfigurationError("CHUNK_SIZE", "must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return errs.NewConfigurationError("CHUNK_OVERLAP", "must not be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return errs.NewConfigurationError("CHUNK_OVERLAP", "must be less than CHUNK_SIZE (%d >= %d)", c.Overlap, c.Size)
	}
	return nil
}

// Chunk is one window of a contract's text. CharStart and CharEnd are
// code point offsets into the normalized text, CharEnd exclusive.
type Chunk struct {
	ContractID string
	Index      int
	Text       string
	CharStart  int
	CharEnd    int
}

type Chunker struct {
	cfg Config
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Config() Config { return c.cfg }

// Chunks returns a lazy sequence over the windows of text. Each range over the
// returned sequence starts again from the first chunk. Whitespace-only input
// yields nothing.
func (c *Chunker) Chunks(contractID, text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}
		runes := []rune(text)
		n := len(runes)
		step := c.cfg.Size - c.cfg.Overlap

		for index, start := 0, 0; start < n; index, start = index+1, start+step {
			end := min(start+c.cfg.Size, n)
			chunk := Chunk{
				ContractID: contractID,
				Index:      index,
				Text:       string(runes[start:end]),
				CharStart:  start,
				CharEnd:    end,
			}
			if !yield(chunk) || end == n {
				return
			}
		}
	}
}

// Split collects Chunks into a slice.
func (c *Chunker) Split(contractID, text string) []Chunk {
	var out []Chunk
	for chunk := range c.Chunks(contractID, text) {
		out = append(out, chunk)
	}
	return out
}

// Reconstruct concatenates chunks in index order, dropping the overlapping
// prefix of every chunk after the first.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	covered := 0
	for _, chunk := range chunks {
		runes := []rune(chunk.Text)
		skip := covered - chunk.CharStart
		if skip < 0 {
			skip = 0
		}
		if skip < len(runes) {
			b.WriteString(string(runes[skip:]))
		}
		if chunk.CharEnd > covered {
			covered = chunk.CharEnd
		}
	}
	return b.String()
}
