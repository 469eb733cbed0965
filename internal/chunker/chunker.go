// Package chunker splits document text into content-addressed chunks.
//
// Chunk boundaries depend only on the input text and the Policy, so the same
// text always yields the same chunks and hashes. Cross-version dedup relies
// on that: any change to the splitting rules must bump policyFamily.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	policyFamily = "para-v1"

	DefaultMaxChars = 2000
	DefaultMinChars = 200
)

var (
	ErrEmptyText     = errors.New("text is empty")
	ErrInvalidPolicy = errors.New("invalid chunk policy")
)

// Chunk is one ordered slice of a document.
type Chunk struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Text  string `json:"text"`
}

// Policy bounds chunk sizes in runes. Paragraphs are the natural unit; a
// paragraph shorter than MinChars is merged into the one after it and a
// paragraph longer than MaxChars is cut at whitespace.
type Policy struct {
	MaxChars int
	MinChars int
}

func DefaultPolicy() Policy {
	return Policy{MaxChars: DefaultMaxChars, MinChars: DefaultMinChars}
}

// Version identifies the splitting rules together with their parameters.
// Chunks produced under different versions must never be compared by hash.
func (p Policy) Version() string {
	return fmt.Sprintf("%s:%d:%d", policyFamily, p.MaxChars, p.MinChars)
}

func (p Policy) Validate() error {
	if p.MaxChars <= 0 {
		return fmt.Errorf("%w: max_chars must be positive", ErrInvalidPolicy)
	}
	if p.MinChars < 0 || p.MinChars > p.MaxChars {
		return fmt.Errorf("%w: min_chars must be within [0, max_chars]", ErrInvalidPolicy)
	}
	return nil
}

// HashText returns the hex SHA-256 of the exact bytes of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Chunk splits text into ordered chunks.
func (p Policy) Chunk(text string) ([]Chunk, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	var pieces []string
	for _, para := range mergeShort(paragraphs(text), p.MinChars, p.MaxChars) {
		pieces = append(pieces, splitLong(para, p.MaxChars)...)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{
			Index: i,
			Hash:  HashText(piece),
			Text:  piece,
		})
	}
	return chunks, nil
}

// paragraphs groups non-blank lines separated by one or more blank lines.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var out []string
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, strings.Join(current, "\n"))
		current = current[:0]
	}
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return out
}

// mergeShort folds a short paragraph into its successor so that headings
// and one-liners travel with the text they introduce.
func mergeShort(paras []string, minChars, maxChars int) []string {
	if minChars <= 0 {
		return paras
	}
	var out []string
	pending := ""
	for _, para := range paras {
		if pending != "" {
			joined := pending + "\n\n" + para
			if runeLen(joined) <= maxChars {
				para = joined
			} else {
				out = append(out, pending)
			}
			pending = ""
		}
		if runeLen(para) < minChars {
			pending = para
			continue
		}
		out = append(out, para)
	}
	if pending != "" {
		out = append(out, pending)
	}
	return out
}

func splitLong(para string, maxChars int) []string {
	runes := []rune(para)
	if len(runes) <= maxChars {
		return []string{para}
	}

	var out []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			out = append(out, string(runes))
			break
		}
		cut := maxChars
		for i := maxChars; i > maxChars/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		piece := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
		if piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
