package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	descriptorsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_device_descriptors_built_total",
		Help: "Total number of accelerator descriptors constructed",
	}, []string{"backend"})

	descriptorsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_device_descriptors_destroyed_total",
		Help: "Total number of accelerator descriptors destroyed",
	}, []string{"backend"})

	descriptorRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_device_descriptor_rebuilds_total",
		Help: "Descriptor cache rebuilds triggered by a local shape change",
	})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_device_kernel_launches_total",
		Help: "Total accelerator kernel launches by kernel name",
	}, []string{"backend", "kernel"})

	shapeMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_device_shape_mismatches_total",
		Help: "Kernel launches rejected because descriptor and buffer shapes disagreed",
	}, []string{"backend"})
)
