package lookout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	beaconsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_lookout_beacons_total",
			Help: "Beacons received, by verification result.",
		},
		[]string{"result"},
	)

	onlineDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_lookout_online_devices",
			Help: "Devices with a verified beacon inside the offline timeout.",
		},
	)

	promotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_lookout_key_promotions_total",
			Help: "Key rotations confirmed by a verified next-key message.",
		},
	)
)
