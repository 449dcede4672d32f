package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(inbound.WithLabelValues("whatsapp", "registered"))
	Inbound("whatsapp", "registered")
	Inbound("whatsapp", "registered")
	if got := testutil.ToFloat64(inbound.WithLabelValues("whatsapp", "registered")); got != before+2 {
		t.Errorf("inbound counter = %v, want %v", got, before+2)
	}

	BotQuery("ok", 120*time.Millisecond)
	if got := testutil.ToFloat64(botQueries.WithLabelValues("ok")); got < 1 {
		t.Errorf("bot query counter = %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	AttentionClosed("inactivity")
	RegisterTimerGauge(func() int { return 3 })

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"goattend_attentions_closed_total", "goattend_armed_timers 3"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
