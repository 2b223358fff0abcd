// SPDX-License-Identifier: MIT

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted from submitters",
	})

	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "jobs_claimed_total",
		Help:      "Successful job claims handed to workers",
	})

	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "jobs_completed_total",
		Help:      "Jobs committed as completed",
	})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "jobs_failed_total",
		Help:      "Job failure commits",
	}, []string{"retryable"})

	commitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "commit_rejected_total",
		Help:      "Commits and heartbeats rejected because the lease was lost",
	}, []string{"op"})

	leasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "leases_reaped_total",
		Help:      "Expired leases reclaimed by the reaper",
	})

	orphanBlobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "orphan_blobs_swept_total",
		Help:      "Dangling artifact blobs removed by the sweeper",
	})

	processingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scribed",
		Name:      "job_processing_seconds",
		Help:      "Worker-reported processing duration per completed job",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
	})
)
