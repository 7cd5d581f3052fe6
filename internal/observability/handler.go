package observability

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// FiberMetricsHandler renders the default Prometheus registry in a minimal
// text exposition format, avoiding a dependency on promhttp's
// http.Handler (which expects net/http, not fiber's *fiber.Ctx).
func FiberMetricsHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("error gathering metrics")
		}

		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, mf := range families {
			name := mf.GetName()
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s counter\n%s %g\n", name, name, m.GetCounter().GetValue()))
				case m.GetGauge() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s gauge\n%s %g\n", name, name, m.GetGauge().GetValue()))
				case m.GetHistogram() != nil:
					h := m.GetHistogram()
					c.WriteString(fmt.Sprintf("# TYPE %s histogram\n%s_count %d\n%s_sum %g\n",
						name, name, h.GetSampleCount(), name, h.GetSampleSum()))
				}
			}
		}
		return nil
	}
}
