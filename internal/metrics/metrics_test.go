package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewCollectorRegistersEveryMetric(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	c := NewCollector()

	assert.NotNil(t, c.eventsAppended)
	assert.NotNil(t, c.transactionsCommitted)
	assert.NotNil(t, c.transactionsRolledBack)
	assert.NotNil(t, c.effectAttempts)
	assert.NotNil(t, c.effectFailures)
	assert.NotNil(t, c.commitLatency)
	assert.NotNil(t, c.recoveryTime)
	assert.NotNil(t, c.coordinatorLag)
	assert.NotNil(t, c.currentOrderID)
}

func TestRecordCommitDoesNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.RecordCommit(3, 0.002, 42)
	})
}

func TestRecordRollbackAndEffectAttempt(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.RecordRollback()
		c.RecordEffectAttempt(false)
		c.RecordEffectAttempt(true)
	})
}
