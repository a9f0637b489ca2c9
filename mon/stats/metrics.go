package stats

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	Namespace = "MapMon"
	subsystem = "monitor"
)

var (
	Gather = prometheus.NewRegistry()

	MonitorIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "is_leader",
			Help:      "is leader",
		})

	MonitorLeaderChangeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "leader_changes",
			Help:      "Counter of monitor leader changes.",
		}, []string{"type"})

	MonitorEpochGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "epoch",
			Help:      "Last committed map epoch.",
		})

	MonitorRoundCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "rounds",
			Help:      "Counter of proposal rounds by result.",
		}, []string{"result"})

	MonitorProposalHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "proposal_seconds",
			Help:      "Bucketed histogram of proposal to commit time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		})

	MonitorStimulusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "stimuli",
			Help:      "Counter of handled stimuli by kind and outcome.",
		}, []string{"kind", "outcome"})

	MonitorFailureReportsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "failure_reports",
			Help:      "Devices with pending failure reports.",
		})

	MonitorPrunedFullMapsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "pruned_full_maps",
			Help:      "Counter of full maps erased by pruning.",
		})

	MonitorRebuiltMapCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "rebuilt_maps",
			Help:      "Counter of full maps rebuilt from pinned maps.",
		})

	MonitorRemapJobHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "remap_seconds",
			Help:      "Bucketed histogram of placement mapping job time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"result"})

	MonitorHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "halted",
			Help:      "1 when a persistence error stopped the monitor.",
		})
)

func init() {
	Gather.MustRegister(MonitorIsLeader)
	Gather.MustRegister(MonitorLeaderChangeCounter)
	Gather.MustRegister(MonitorEpochGauge)
	Gather.MustRegister(MonitorRoundCounter)
	Gather.MustRegister(MonitorProposalHistogram)
	Gather.MustRegister(MonitorStimulusCounter)
	Gather.MustRegister(MonitorFailureReportsGauge)
	Gather.MustRegister(MonitorPrunedFullMapsCounter)
	Gather.MustRegister(MonitorRebuiltMapCounter)
	Gather.MustRegister(MonitorRemapJobHistogram)
	Gather.MustRegister(MonitorHalted)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Gather, promhttp.HandlerOpts{})
}

func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}

	glog.V(0).Infof("%s server sends metrics to %s every %d seconds", name, addr, intervalSeconds)

	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)

	for {
		err := pusher.Push()
		if err != nil && !strings.HasPrefix(err.Error(), "unexpected status code 200") {
			glog.V(0).Infof("could not push metrics to prometheus push gateway %s: %v", addr, err)
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 15
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}
