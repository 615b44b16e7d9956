package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloads_Record(t *testing.T) {
	d := New()
	d.SetQueue(2, 5)
	d.Attempt()
	d.Attempt()
	d.Outcome(OutcomeSucceeded, "body_image")
	d.AddBytes(1024)
	d.IntegrityIssue()

	assert.Equal(t, 2.0, testutil.ToFloat64(d.Active))
	assert.Equal(t, 5.0, testutil.ToFloat64(d.Pending))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.Attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Outcomes.WithLabelValues(OutcomeSucceeded, "body_image")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(d.Bytes))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "attachdl_transfer_attempts_total 2")
}

func TestDownloads_NilIsNoop(t *testing.T) {
	var d *Downloads
	assert.NotPanics(t, func() {
		d.SetQueue(1, 1)
		d.Attempt()
		d.Outcome(OutcomeFailed, "x")
		d.AddBytes(3)
		d.ObserveSeconds(1)
		d.IntegrityIssue()
	})
}
