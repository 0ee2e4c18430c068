package sipmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestNilCollectorIsNoOp exercises every method against a nil *Collector,
// the convention every call site in this repository relies on to avoid
// guarding each call with "if metrics != nil".
func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TransactionCreated("ICT")
		c.TransactionTerminated("ICT")
		c.TransactionRetransmitted("ICT")
		c.DialogCreated()
		c.DialogDestroyed()
		c.TransportStateChanged([]string{"disconnected", "connected"}, "connected")
	})
}

func TestCollectorCounters(t *testing.T) {
	c := New()

	c.TransactionCreated("ICT")
	c.TransactionCreated("ICT")
	c.TransactionTerminated("ICT")
	c.TransactionRetransmitted("ICT")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.transactionsCreated.WithLabelValues("ICT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transactionsActive.WithLabelValues("ICT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transactionRetransmit.WithLabelValues("ICT")))

	c.DialogCreated()
	c.DialogCreated()
	c.DialogDestroyed()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.dialogsActive))

	states := []string{"disconnected", "connecting", "connected", "disconnecting"}
	c.TransportStateChanged(states, "connected")
	assert.Equal(t, float64(0), testutil.ToFloat64(c.transportState.WithLabelValues("disconnected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transportState.WithLabelValues("connected")))

	c.TransportStateChanged(states, "disconnecting")
	assert.Equal(t, float64(0), testutil.ToFloat64(c.transportState.WithLabelValues("connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transportState.WithLabelValues("disconnecting")))
}
