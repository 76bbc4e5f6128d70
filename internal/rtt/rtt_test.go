package rtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleRequiresPriorSend(t *testing.T) {
	e := New()
	_, ok := e.Sample(1)
	assert.False(t, ok)
}

func TestKarnsRuleDropsRetransmittedSample(t *testing.T) {
	e := New()
	e.OnSend(1)
	e.OnRetransmit(1)
	_, ok := e.Sample(1)
	assert.False(t, ok)
}

func TestSampleUpdatesEstimate(t *testing.T) {
	e := New()
	e.OnSend(1)
	time.Sleep(time.Millisecond)
	sample, ok := e.Sample(1)
	require.True(t, ok)
	assert.Greater(t, sample, time.Duration(0))
	assert.LessOrEqual(t, e.WaitTime, e.MaxWaitTime)
	assert.GreaterOrEqual(t, e.WaitTime, time.Millisecond)
}

func TestDoubleWaitTimeCapsAtMax(t *testing.T) {
	e := New()
	e.MaxWaitTime = 10 * time.Millisecond
	e.WaitTime = 8 * time.Millisecond
	e.DoubleWaitTime()
	assert.Equal(t, 10*time.Millisecond, e.WaitTime)
}

func TestSampleConsumesSendTimeOnce(t *testing.T) {
	e := New()
	e.OnSend(5)
	_, ok := e.Sample(5)
	require.True(t, ok)
	_, ok = e.Sample(5)
	assert.False(t, ok)
}
