package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/model"
)

func TestMetrics_Observe(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.ObserveImport(&model.ImportResult{PropertiesImported: 2, DuplicatesSkipped: 1})
	m.ObserveImport(nil)
	m.ObserveQueueBuild(model.ChannelCall, 1, 4)
	m.ObserveDispatch(model.ChannelCall, model.QueueStatusSent)
	m.ObserveDispatch(model.ChannelCall, model.QueueStatusSent)
	m.ObserveDispatch(model.ChannelEmail, model.QueueStatusFailed)
	m.SetRetryBacklog(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.importRows.WithLabelValues("imported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.importRows.WithLabelValues("duplicate")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueItems.WithLabelValues("call", "1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatch.WithLabelValues("call", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatch.WithLabelValues("email", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.retryBacklog))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.ObserveDispatch(model.ChannelEmail, model.QueueStatusSending)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `nous_dispatch_outcomes_total{channel="email",status="sending"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
