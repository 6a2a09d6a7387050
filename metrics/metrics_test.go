package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	c := NewCollector("")

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.ConnectionRejected()
	c.ObserveReceive(100)
	c.ObserveReceive(50)
	c.ObserveSend(200)
	c.MalformedFrame()
	c.HandshakeFailure()
	c.AuthFailure()
	c.CipherAnomaly()
	c.Broadcast()
	c.RoutingMiss()
	c.BackpressureDrop()
	c.TransferStarted()
	c.TransferCompleted()
	c.TransferAborted()

	s := c.Snapshot()
	assert.Equal(t, int64(1), s.ConnectionsActive)
	assert.Equal(t, uint64(2), s.ConnectionsTotal)
	assert.Equal(t, uint64(1), s.ConnectionsRejected)
	assert.Equal(t, uint64(150), s.BytesReceived)
	assert.Equal(t, uint64(200), s.BytesSent)
	assert.Equal(t, uint64(2), s.PacketsReceived)
	assert.Equal(t, uint64(1), s.PacketsSent)
	assert.Equal(t, uint64(1), s.MalformedFrames)
	assert.Equal(t, uint64(1), s.HandshakeFailures)
	assert.Equal(t, uint64(1), s.AuthFailures)
	assert.Equal(t, uint64(1), s.CipherAnomalies)
	assert.Equal(t, uint64(1), s.Broadcasts)
	assert.Equal(t, uint64(1), s.RoutingMisses)
	assert.Equal(t, uint64(1), s.BackpressureDrops)
	assert.Equal(t, uint64(1), s.TransfersStarted)
	assert.Equal(t, uint64(1), s.TransfersCompleted)
	assert.Equal(t, uint64(1), s.TransfersAborted)
	assert.GreaterOrEqual(t, s.UptimeSeconds, 0.0)
}

func TestPrometheusRegistryExposesCounters(t *testing.T) {
	c := NewCollector("adatp")

	c.ConnectionOpened()
	c.ObserveReceive(512)
	c.ObserveSend(256)
	c.RoutingMiss()

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64, len(families))
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[fam.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[fam.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["adatp_connections_active"])
	assert.Equal(t, 1.0, values["adatp_connections_total"])
	assert.Equal(t, 512.0, values["adatp_rx_bytes_total"])
	assert.Equal(t, 256.0, values["adatp_tx_bytes_total"])
	assert.Equal(t, 1.0, values["adatp_rx_packets_total"])
	assert.Equal(t, 1.0, values["adatp_tx_packets_total"])
	assert.Equal(t, 1.0, values["adatp_routing_misses_total"])
	assert.Contains(t, values, "adatp_uptime_seconds")
}

func TestDefaultNamespace(t *testing.T) {
	c := NewCollector("   ")
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	require.NotEmpty(t, families)
	for _, fam := range families {
		assert.True(t, len(fam.GetName()) > len("adatp_"))
		assert.Equal(t, "adatp_", fam.GetName()[:6])
	}
}

func TestConcurrentObservation(t *testing.T) {
	c := NewCollector("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.ObserveReceive(10)
				c.ObserveSend(10)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, uint64(80000), s.BytesReceived)
	assert.Equal(t, uint64(80000), s.BytesSent)
	assert.Equal(t, uint64(8000), s.PacketsReceived)
	assert.Equal(t, uint64(8000), s.PacketsSent)
}
