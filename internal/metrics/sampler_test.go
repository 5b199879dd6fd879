package metrics

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerReadsOwnProcess(t *testing.T) {
	s := NewSampler(3)
	pid := int32(os.Getpid())
	for i := 0; i < 5; i++ {
		smp, err := s.Sample("self", pid)
		require.NoError(t, err)
		assert.Equal(t, pid, smp.PID)
		assert.Greater(t, smp.MemoryRSS, uint64(0))
	}
	hist := s.History("self")
	require.Len(t, hist, 3)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp))
	}
	latest, ok := s.Latest("self")
	require.True(t, ok)
	assert.Equal(t, hist[2], latest)

	s.Forget("self")
	assert.Nil(t, s.History("self"))
	_, ok = s.Latest("self")
	assert.False(t, ok)
}

func TestSamplerRejectsBadPID(t *testing.T) {
	s := NewSampler(0)
	_, err := s.Sample("x", 0)
	assert.Error(t, err)
}
