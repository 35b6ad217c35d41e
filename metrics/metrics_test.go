package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global, so only assert that registration did not panic
	assert.NotNil(t, EntityMutations)
	assert.NotNil(t, StoreRecords)
	assert.NotNil(t, QuotaDecisions)
	assert.NotNil(t, DroppedEvents)
	assert.NotNil(t, DeliveryFailures)
	assert.NotNil(t, CorrelationCacheHits)
	assert.NotNil(t, APIRequests)
}

func TestDroppedEventsCounts(t *testing.T) {
	before := testutil.ToFloat64(DroppedEvents)
	DroppedEvents.Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(DroppedEvents))
}
