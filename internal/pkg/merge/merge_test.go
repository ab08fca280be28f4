package merge

import (
	"testing"

	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func ch(start, end float64, sp, text string) persistence.ChunkResult {
	return persistence.ChunkResult{Start: start, End: end, Speaker: sp, Text: text}
}

func seg(start, end float64, sp, text string) persistence.DiarizedSegment {
	return persistence.DiarizedSegment{Start: start, End: end, Speaker: sp, Text: text}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		chunks []persistence.ChunkResult
		gap    float64
		want   []persistence.DiarizedSegment
	}{
		{name: "empty", chunks: nil, gap: 1, want: []persistence.DiarizedSegment{}},
		{name: "one", chunks: []persistence.ChunkResult{ch(0, 5, "A", "hi")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 5, "A", "hi")}},
		{name: "scenario", chunks: []persistence.ChunkResult{ch(0, 5, "A", "hi"), ch(5.5, 8, "A", "there"), ch(8, 12, "B", "ok")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 8, "A", "hi there"), seg(8, 12, "B", "ok")}},
		{name: "gap too big", chunks: []persistence.ChunkResult{ch(0, 5, "A", "hi"), ch(6, 8, "A", "there")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 5, "A", "hi"), seg(6, 8, "A", "there")}},
		{name: "overlap", chunks: []persistence.ChunkResult{ch(0, 30, "A", "a"), ch(29.5, 59.5, "A", "b"), ch(59, 70, "A", "c")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 70, "A", "a b c")}},
		{name: "alternating", chunks: []persistence.ChunkResult{ch(0, 1, "A", "a"), ch(1, 2, "B", "b"), ch(2, 3, "A", "c")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 1, "A", "a"), seg(1, 2, "B", "b"), seg(2, 3, "A", "c")}},
		{name: "empty text", chunks: []persistence.ChunkResult{ch(0, 1, "A", "a"), ch(1, 2, "A", " "), ch(2, 3, "A", "c")}, gap: 1,
			want: []persistence.DiarizedSegment{seg(0, 3, "A", "a c")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.chunks, tt.gap))
		})
	}
}

func TestMerge_LeftToRight(t *testing.T) {
	in := []persistence.ChunkResult{ch(0, 1, "A", "a"), ch(1.5, 2, "A", "b"), ch(2.5, 3, "A", "c"), ch(3, 4, "B", "d")}
	all := Merge(in, 1)
	first := Merge(in[:2], 1)
	assert.Equal(t, "a b c", all[0].Text)
	assert.Equal(t, "a b", first[0].Text)
	assert.Equal(t, 2, len(all))
}
