package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDeleteVolumeMetrics(t *testing.T) {
	VolumeRequestCounter.WithLabelValues("vol-a", "read", "ok").Inc()
	VolumeRequestCounter.WithLabelValues("vol-a", "write", "error").Inc()
	VolumeRequestCounter.WithLabelValues("vol-b", "read", "ok").Add(3)
	ChunkStateGauge.WithLabelValues("vol-a", "0").Set(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(VolumeRequestCounter.WithLabelValues("vol-b", "read", "ok")))
	assert.Equal(t, 3, testutil.CollectAndCount(VolumeRequestCounter))

	DeleteVolumeMetrics("vol-a")
	assert.Equal(t, 1, testutil.CollectAndCount(VolumeRequestCounter))
	assert.Equal(t, 0, testutil.CollectAndCount(ChunkStateGauge))
	DeleteVolumeMetrics("vol-b")
}

func TestJoinHostPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9327", JoinHostPort("127.0.0.1", 9327))
	assert.Equal(t, "[::1]:9327", JoinHostPort("::1", 9327))
	assert.Equal(t, "[::1]:9327", JoinHostPort("[::1]", 9327))
}
