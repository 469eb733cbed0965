package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(paragraphs int) string {
	parts := make([]string, paragraphs)
	for i := range parts {
		parts[i] = fmt.Sprintf("Section %d. %s", i, strings.Repeat("lorem ipsum dolor sit amet ", 12))
	}
	return strings.Join(parts, "\n\n")
}

func TestChunk_Deterministic(t *testing.T) {
	text := report(10)
	p := DefaultPolicy()

	first, err := p.Chunk(text)
	require.NoError(t, err)
	second, err := p.Chunk(text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 10)
	for i, c := range first {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, HashText(c.Text), c.Hash)
	}
}

func TestChunk_EditedParagraphKeepsOtherHashes(t *testing.T) {
	p := DefaultPolicy()
	original := report(10)
	edited := strings.Replace(original, "Section 3.", "Section three (revised).", 1)
	edited = strings.Replace(edited, "Section 7.", "Section seven (revised).", 1)

	before, err := p.Chunk(original)
	require.NoError(t, err)
	after, err := p.Chunk(edited)
	require.NoError(t, err)
	require.Len(t, after, len(before))

	changed := 0
	for i := range before {
		if before[i].Hash != after[i].Hash {
			changed++
		}
	}
	assert.Equal(t, 2, changed)
}

func TestChunk_EmptyText(t *testing.T) {
	_, err := DefaultPolicy().Chunk(" \n\n\t ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestChunk_InvalidPolicy(t *testing.T) {
	_, err := Policy{MaxChars: 0}.Chunk("hello")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = Policy{MaxChars: 10, MinChars: 20}.Chunk("hello")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestChunk_ShortParagraphsMergeForward(t *testing.T) {
	p := Policy{MaxChars: 200, MinChars: 20}
	text := "Title\n\n" + strings.Repeat("body text ", 5) + "\n\nAnother paragraph that is long enough."

	chunks, err := p.Chunk(text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Title\n\nbody text"))
}

func TestChunk_LongParagraphSplitsAtWhitespace(t *testing.T) {
	p := Policy{MaxChars: 50, MinChars: 0}
	text := strings.Repeat("word ", 40)

	chunks, err := p.Chunk(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 50)
		assert.False(t, strings.HasPrefix(c.Text, " "))
		assert.False(t, strings.HasSuffix(c.Text, " "))
	}
}

func TestChunk_CRLFMatchesLF(t *testing.T) {
	p := DefaultPolicy()
	lf, err := p.Chunk("alpha line\n\nbeta line")
	require.NoError(t, err)
	crlf, err := p.Chunk("alpha line\r\n\r\nbeta line")
	require.NoError(t, err)
	assert.Equal(t, lf, crlf)
}

func TestPolicyVersion(t *testing.T) {
	assert.Equal(t, "para-v1:2000:200", DefaultPolicy().Version())
	assert.NotEqual(t, DefaultPolicy().Version(), Policy{MaxChars: 1000, MinChars: 200}.Version())
}

func TestHashText(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashText(""))
	assert.NotEqual(t, HashText("a"), HashText("a "))
}
