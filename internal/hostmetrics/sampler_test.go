package hostmetrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/crosslink/internal/hostmetrics"
)

func TestSampler_SampleThisHost(t *testing.T) {
	s := hostmetrics.NewSampler(hostmetrics.Config{CPUInterval: 10 * time.Millisecond})
	rec, err := s.Sample(context.Background())
	if err != nil {
		t.Skipf("host counters unavailable: %v", err)
	}
	require.NotNil(t, rec)
	assert.Greater(t, rec.MemoryTotalGB, 0.0)
	assert.GreaterOrEqual(t, rec.CPUPercent, 0.0)
	assert.LessOrEqual(t, rec.MemoryPercent, 100.0)
	assert.False(t, rec.Timestamp.IsZero())
}
