package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister_IsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Register()
		Register()
		Register()
	})
}

func TestPushTotal_TracksOutcomeLabel(t *testing.T) {
	PushTotal.Reset()
	PushTotal.WithLabelValues("accepted").Inc()
	PushTotal.WithLabelValues("accepted").Inc()
	PushTotal.WithLabelValues("server_ahead").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(PushTotal.WithLabelValues("accepted")))
	require.Equal(t, float64(1), testutil.ToFloat64(PushTotal.WithLabelValues("server_ahead")))
}

func TestStoreHead_SetsGaugePerStore(t *testing.T) {
	StoreHead.Reset()
	StoreHead.WithLabelValues("store-a").Set(42)
	StoreHead.WithLabelValues("store-b").Set(7)

	require.Equal(t, float64(42), testutil.ToFloat64(StoreHead.WithLabelValues("store-a")))
	require.Equal(t, float64(7), testutil.ToFloat64(StoreHead.WithLabelValues("store-b")))
}

func TestLedgerAppendTotal_TracksStreamAndOutcome(t *testing.T) {
	LedgerAppendTotal.Reset()
	LedgerAppendTotal.WithLabelValues("scope_state", "ok").Inc()
	LedgerAppendTotal.WithLabelValues("scope_state", "error").Inc()
	LedgerAppendTotal.WithLabelValues("resource_grant", "ok").Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(LedgerAppendTotal.WithLabelValues("scope_state", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(LedgerAppendTotal.WithLabelValues("scope_state", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(LedgerAppendTotal.WithLabelValues("resource_grant", "ok")))
}
