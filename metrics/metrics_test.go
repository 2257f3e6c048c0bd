package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransaction(t *testing.T) {
	ok := TransactionsTotal.WithLabelValues("TESTCMD", "ok")
	failed := TransactionsTotal.WithLabelValues("TESTCMD", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordTransaction("TESTCMD", nil, 0.01)
	RecordTransaction("TESTCMD", nil, 0.02)
	RecordTransaction("TESTCMD", errors.New("boom"), 0.5)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestRecordPinCachePut(t *testing.T) {
	c := PinCachePutsTotal.WithLabelValues("stored")
	before := testutil.ToFloat64(c)

	RecordPinCachePut("stored")

	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestRecordKeyboxUpdate(t *testing.T) {
	c := KeyboxUpdatesTotal.WithLabelValues("insert", "error")
	before := testutil.ToFloat64(c)

	RecordKeyboxUpdate("insert", errors.New("disk full"))

	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestCollectorsRegistered(t *testing.T) {
	// Vector collectors only show up once a label set was used.
	RecordTransaction("NOP", nil, 0)
	RecordPinCachePut("ignored")
	RecordKeyboxUpdate("delete", nil)

	for _, name := range []string{
		"ironcard_scdaemon_starts_total",
		"ironcard_scdaemon_exits_total",
		"ironcard_sessions_active",
		"ironcard_transactions_total",
		"ironcard_transaction_duration_seconds",
		"ironcard_pincache_puts_total",
		"ironcard_keybox_updates_total",
	} {
		n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, name)
		assert.NoError(t, err, name)
		assert.Positive(t, n, name)
	}
}
