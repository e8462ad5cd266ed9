// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(FramesForwardedTotal)
	FramesForwardedTotal.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(FramesForwardedTotal))
}

func TestJoinsTotalHasRoleAndStatusLabels(t *testing.T) {
	JoinsTotal.WithLabelValues("sender", "ok").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(JoinsTotal.WithLabelValues("sender", "ok")))
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	require.NotNil(t, Handler())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "caesar_relay_frames_forwarded_total")
}
