package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThinkingParser_PlainTextNeverEntersThinking(t *testing.T) {
	p := NewThinkingParser()
	chunks := p.Feed("hello world")
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkText, chunks[0].Kind)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, ThinkingNormal, p.State())
}

func TestThinkingParser_SingleFragmentWithThinkBlock(t *testing.T) {
	p := NewThinkingParser()
	chunks := p.Feed("before<think>pondering</think>after")

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Kind)
	assert.Equal(t, "before", chunks[0].Text)
	assert.Equal(t, ChunkThought, chunks[1].Kind)
	assert.Equal(t, "pondering", chunks[1].Text)
	assert.Equal(t, ChunkText, chunks[2].Kind)
	assert.Equal(t, "after", chunks[2].Text)
	assert.Equal(t, ThinkingFinished, p.State())
}

func TestThinkingParser_DelimiterSplitAcrossFeedCalls(t *testing.T) {
	p := NewThinkingParser()
	var chunks []ContentChunk
	chunks = append(chunks, p.Feed("before<th")...)
	chunks = append(chunks, p.Feed("ink>thought</th")...)
	chunks = append(chunks, p.Feed("ink>after")...)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Kind)
	assert.Equal(t, "before", chunks[0].Text)
	assert.Equal(t, ChunkThought, chunks[1].Kind)
	assert.Equal(t, "thought", chunks[1].Text)
	assert.Equal(t, ChunkText, chunks[2].Kind)
	assert.Equal(t, "after", chunks[2].Text)
}

func TestThinkingParser_StateIsMonotoneAfterFinished(t *testing.T) {
	p := NewThinkingParser()
	p.Feed("<think>a</think>")
	require.Equal(t, ThinkingFinished, p.State())

	// A second <think> after Finished is not re-entered; it is plain text.
	chunks := p.Feed("more <think> text")
	assert.Equal(t, ThinkingFinished, p.State())
	for _, c := range chunks {
		assert.Equal(t, ChunkText, c.Kind)
	}
}

func TestThinkingParser_OpenDelimiterNeverCloses(t *testing.T) {
	p := NewThinkingParser()
	chunks := p.Feed("<think>still thinking")
	assert.Equal(t, ThinkingActive, p.State())
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkThought, chunks[0].Kind)
	assert.Equal(t, "still thinking", chunks[0].Text)
}
