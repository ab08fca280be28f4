package store

import (
	"strings"
	"testing"
	"time"

	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRow_Size(t *testing.T) {
	b, err := encodeRow(newTestChunk(7))
	require.Nil(t, err)
	assert.Equal(t, RowSize, len(b))
	assert.LessOrEqual(t, offRecorded+timeLen, RowSize)
}

func TestEncodeRow_LongText(t *testing.T) {
	c := newTestChunk(1)
	c.Text = "a" + strings.Repeat("ž", textLen)
	b, err := encodeRow(c)
	require.Nil(t, err)
	got, err := decodeRow(b)
	require.Nil(t, err)
	assert.LessOrEqual(t, len(got.Text), textLen)
	assert.True(t, strings.HasPrefix(c.Text, got.Text))
	assert.Equal(t, textLen-1, len(got.Text))
}

func TestEncodeRow_Fails(t *testing.T) {
	c := newTestChunk(1)
	c.Index = -1
	_, err := encodeRow(c)
	assert.NotNil(t, err)
	c = newTestChunk(1)
	c.Speaker = strings.Repeat("A", speakerLen+1)
	_, err = encodeRow(c)
	assert.NotNil(t, err)
}

func TestDecodeRow_ZeroTime(t *testing.T) {
	c := &persistence.ChunkResult{Index: 2, Start: 1, End: 2, Speaker: "PATIENT"}
	b, err := encodeRow(c)
	require.Nil(t, err)
	got, err := decodeRow(b)
	require.Nil(t, err)
	assert.True(t, got.Recorded.Equal(time.Time{}))
}

func TestDecodeRows_IgnoresTail(t *testing.T) {
	b1, _ := encodeRow(newTestChunk(0))
	b2, _ := encodeRow(newTestChunk(1))
	data := append(append(b1, b2...), 1, 2, 3)
	got, err := decodeRows(data)
	require.Nil(t, err)
	assert.Equal(t, 2, len(got))
	assert.Equal(t, 1, got[1].Index)
}

func Test_truncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "a", truncate("aą", 2))
	assert.Equal(t, "aą", truncate("aąb", 3))
}
