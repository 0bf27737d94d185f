package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
	require.NoError(t, Register(prometheus.NewRegistry()), "later registries are no-ops after the first success")
}

func TestCountersAndGauges(t *testing.T) {
	_ = Register(prometheus.NewRegistry())

	IncStart("m1")
	IncStart("m1")
	IncStop("m1")
	IncScheduledRestart("m1")
	IncValidationFailure("m1")
	IncNonRetryable("m1")
	IncBufferOverflow("m1")
	IncRequestTimeout("m1")

	assert.Equal(t, 2.0, testutil.ToFloat64(workerStarts.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerStops.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerRestarts.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(validationFailures.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(nonRetryableErrors.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bufferOverflows.WithLabelValues("m1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requestTimeouts.WithLabelValues("m1")))

	SetWorkerUp("m1", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(workerUp.WithLabelValues("m1")))
	SetWorkerUp("m1", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(workerUp.WithLabelValues("m1")))

	AddPending("m1", 1)
	AddPending("m1", 1)
	AddPending("m1", -1)
	assert.Equal(t, 1.0, testutil.ToFloat64(pendingRequests.WithLabelValues("m1")))

	ObserveRequestDuration("m1", "tools/call", 0.25)
}
