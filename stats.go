package txpath

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath/config"
)

type queueStats struct {
	txPackets      metrics.Counter
	cbPackets      metrics.Counter
	pioPackets     metrics.Counter
	tsoBursts      metrics.Counter
	tsoPackets     metrics.Counter
	tsoFallbacks   metrics.Counter
	tsoLongHeaders metrics.Counter
	drops          metrics.Counter
	pushes         metrics.Counter
	completed      metrics.Counter
	completedBytes metrics.Counter
}

func newQueueStats(r metrics.Registry, name string) queueStats {
	c := func(s string) metrics.Counter {
		return metrics.GetOrRegisterCounter(name+"."+s, r)
	}
	return queueStats{
		txPackets:      c("tx_packets"),
		cbPackets:      c("cb_packets"),
		pioPackets:     c("pio_packets"),
		tsoBursts:      c("tso_bursts"),
		tsoPackets:     c("tso_packets"),
		tsoFallbacks:   c("tso_fallbacks"),
		tsoLongHeaders: c("tso_long_headers"),
		drops:          c("drops"),
		pushes:         c("pushes"),
		completed:      c("completed"),
		completedBytes: c("completed_bytes"),
	}
}

// QueueStats is a snapshot of the counters of a queue.
type QueueStats struct {
	TxPackets      int64
	CBPackets      int64
	PIOPackets     int64
	TSOBursts      int64
	TSOPackets     int64
	TSOFallbacks   int64
	TSOLongHeaders int64
	Drops          int64
	Pushes         int64
	Completed      int64
	CompletedBytes int64
}

// Stats returns the queue counters.
func (q *Queue) Stats() QueueStats {
	s := &q.stats
	return QueueStats{
		TxPackets:      s.txPackets.Count(),
		CBPackets:      s.cbPackets.Count(),
		PIOPackets:     s.pioPackets.Count(),
		TSOBursts:      s.tsoBursts.Count(),
		TSOPackets:     s.tsoPackets.Count(),
		TSOFallbacks:   s.tsoFallbacks.Count(),
		TSOLongHeaders: s.tsoLongHeaders.Count(),
		Drops:          s.drops.Count(),
		Pushes:         s.pushes.Count(),
		Completed:      s.completed.Count(),
		CompletedBytes: s.completedBytes.Count(),
	}
}

// startStats returns a function that exports r according to stats.* or nil
// if exporting is disabled.
func startStats(l *logrus.Logger, c *config.C, r metrics.Registry, buildVersion string, configTest bool) (func(), error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var startFn func()
	switch mType {
	case "graphite":
		err := startGraphiteStats(l, interval, c, r, configTest)
		if err != nil {
			return nil, err
		}
	case "prometheus":
		var err error
		startFn, err = startPrometheusStats(l, interval, c, r, buildVersion, configTest)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}

	metrics.RegisterDebugGCStats(r)
	metrics.RegisterRuntimeMemStats(r)

	go metrics.CaptureDebugGCStats(r, interval)
	go metrics.CaptureRuntimeMemStats(r, interval)

	return startFn, nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry, configTest bool) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "txpath")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	if !configTest {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		go graphite.Graphite(r, i, prefix, addr)
	}
	return nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, r metrics.Registry, buildVersion string, configTest bool) (func(), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, namespace, subsystem, pr, i)
	if !configTest {
		go pClient.UpdatePrometheusMetrics()
	}

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the txpath binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	var startFn func()
	if !configTest {
		startFn = func() {
			l.Infof("Prometheus stats listening on %s at %s", listen, path)
			http.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
			log.Fatal(http.ListenAndServe(listen, nil))
		}
	}

	return startFn, nil
}
