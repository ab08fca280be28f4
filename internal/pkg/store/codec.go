package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/airenas/medscribe/internal/pkg/persistence"
)

const (
	speakerLen = 16
	textLen    = 4096
	timeLen    = 40

	offIndex      = 0
	offStart      = offIndex + 4
	offEnd        = offStart + 8
	offHasConf    = offEnd + 8
	offConf       = offHasConf + 1
	offLatency    = offConf + 8
	offSpeaker    = offLatency + 8
	offTextLen    = offSpeaker + speakerLen
	offText       = offTextLen + 2
	offRecorded   = offText + textLen

	// RowSize is the fixed size of one encoded chunk row, the tail is zero padding
	RowSize = 4352
)

var le = binary.LittleEndian

// encodeRow writes the chunk into fixed width row, text is truncated to textLen bytes
func encodeRow(c *persistence.ChunkResult) ([]byte, error) {
	if c.Index < 0 || c.Index > math.MaxInt32 {
		return nil, fmt.Errorf("wrong chunk index %d", c.Index)
	}
	if len(c.Speaker) > speakerLen {
		return nil, fmt.Errorf("speaker too long '%s'", c.Speaker)
	}
	res := make([]byte, RowSize)
	le.PutUint32(res[offIndex:], uint32(int32(c.Index)))
	le.PutUint64(res[offStart:], math.Float64bits(c.Start))
	le.PutUint64(res[offEnd:], math.Float64bits(c.End))
	if c.Confidence != nil {
		res[offHasConf] = 1
		le.PutUint64(res[offConf:], math.Float64bits(*c.Confidence))
	}
	le.PutUint64(res[offLatency:], math.Float64bits(c.LatencyRatio))
	copy(res[offSpeaker:offSpeaker+speakerLen], c.Speaker)
	text := truncate(c.Text, textLen)
	le.PutUint16(res[offTextLen:], uint16(len(text)))
	copy(res[offText:offText+textLen], text)
	ts := c.Recorded.UTC().Format(time.RFC3339Nano)
	if len(ts) > timeLen {
		return nil, fmt.Errorf("wrong time '%s'", ts)
	}
	copy(res[offRecorded:offRecorded+timeLen], ts)
	return res, nil
}

func decodeRow(b []byte) (*persistence.ChunkResult, error) {
	if len(b) != RowSize {
		return nil, fmt.Errorf("wrong row size %d", len(b))
	}
	res := &persistence.ChunkResult{}
	res.Index = int(int32(le.Uint32(b[offIndex:])))
	res.Start = math.Float64frombits(le.Uint64(b[offStart:]))
	res.End = math.Float64frombits(le.Uint64(b[offEnd:]))
	if b[offHasConf] == 1 {
		v := math.Float64frombits(le.Uint64(b[offConf:]))
		res.Confidence = &v
	}
	res.LatencyRatio = math.Float64frombits(le.Uint64(b[offLatency:]))
	res.Speaker = cString(b[offSpeaker : offSpeaker+speakerLen])
	tl := int(le.Uint16(b[offTextLen:]))
	if tl > textLen {
		return nil, fmt.Errorf("wrong text length %d", tl)
	}
	res.Text = string(b[offText : offText+tl])
	ts := cString(b[offRecorded : offRecorded+timeLen])
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("can't parse time '%s': %w", ts, err)
		}
		res.Recorded = t
	}
	return res, nil
}

func decodeRows(b []byte) ([]persistence.ChunkResult, error) {
	n := len(b) / RowSize
	res := make([]persistence.ChunkResult, 0, n)
	for i := 0; i < n; i++ {
		c, err := decodeRow(b[i*RowSize : (i+1)*RowSize])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		res = append(res, *c)
	}
	return res, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// truncate cuts s to at most l bytes without breaking a rune
func truncate(s string, l int) string {
	if len(s) <= l {
		return s
	}
	for l > 0 && !utf8.RuneStart(s[l]) {
		l--
	}
	return s[:l]
}
