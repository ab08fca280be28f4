package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordChunk(t *testing.T) {
	okBefore := testutil.ToFloat64(ChunksTotal.WithLabelValues("ok"))
	skBefore := testutil.ToFloat64(ChunksTotal.WithLabelValues("skipped"))

	RecordChunk(true)
	RecordChunk(true)
	RecordChunk(false)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ChunksTotal.WithLabelValues("ok")))
	assert.Equal(t, skBefore+1, testutil.ToFloat64(ChunksTotal.WithLabelValues("skipped")))
}

func TestRecordStage(t *testing.T) {
	RecordStage("extract", 0.2)
	assert.Equal(t, 1, testutil.CollectAndCount(StageDuration))
}
