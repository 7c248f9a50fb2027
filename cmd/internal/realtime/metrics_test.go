package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordRelayActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	r := NewRelay(slog.New(slog.NewTextHandler(io.Discard, nil)), NewInMemoryStore(), WithMetrics(m))
	a := NewClient("A", "tok", 8)
	r.Connect(context.Background(), a)
	require.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	require.NoError(t, r.SendMessage(context.Background(), a, "A", v1.SendMessagePayload{ReceiverID: "B", Content: "hi"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.messages))
	require.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(v1.TypeReceiveMessage, deliveryOffline)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(v1.TypeMessageSent, deliveryOK)))

	r.SendError(a, "invalid_payload", "bad")
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("invalid_payload")))

	r.Disconnect(a)
	require.Equal(t, 0.0, testutil.ToFloat64(m.connected))

	_, err = NewMetrics(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.setConnected(3)
	m.event(v1.TypeSendMessage)
	m.delivery(v1.TypeMessageSent, deliveryOK)
	m.errorSent("x")
	m.persisted()
	m.markedRead(2)
}
