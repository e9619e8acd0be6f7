package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit       = "hit"
	resultRemoteHit = "remote_hit"
	resultMiss      = "miss"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "verification_cache_lookups_total",
	Help: "Cache lookups by result",
}, []string{"result"})
