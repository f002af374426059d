// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package statelog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	appends          prometheus.Counter
	bytesWritten     prometheus.Counter
	commitAdvances   prometheus.Counter
	metadataWrites   prometheus.Counter
	termLogsDefined  prometheus.Counter
	commitConflicts  prometheus.Counter
	durablePosition  prometheus.Gauge
	highestPosition  prometheus.Gauge
	commitPosition   prometheus.Gauge
	compactions      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_appends_total",
			Help: "Number of write calls accepted by the state log.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_bytes_written_total",
			Help: "Bytes accepted by the state log across all term logs.",
		}),
		commitAdvances: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_commit_advances_total",
			Help: "Number of times the commit position advanced.",
		}),
		metadataWrites: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_metadata_writes_total",
			Help: "Number of metadata file fsyncs performed.",
		}),
		termLogsDefined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_term_logs_defined_total",
			Help: "Number of term logs created via defineTerm.",
		}),
		commitConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_commit_conflicts_total",
			Help: "Number of commit conflicts detected during defineTerm.",
		}),
		durablePosition: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "statelog_durable_position",
			Help: "Highest position known to be fsynced everywhere needed.",
		}),
		highestPosition: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "statelog_highest_position",
			Help: "Highest contiguous position across all term logs.",
		}),
		commitPosition: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "statelog_commit_position",
			Help: "Highest committed position across all term logs.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "statelog_compactions_total",
			Help: "Number of compact() calls applied.",
		}),
	}
}
