package vmm

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MetricSaveDurationMS     *prometheus.GaugeVec
	MetricRestoreDurationMS  *prometheus.GaugeVec
	MetricDrainPendingOps    *prometheus.GaugeVec
	MetricDirtyPagesCaptured *prometheus.GaugeVec
	MetricBytesWritten       *prometheus.GaugeVec
	MetricVMRunning          *prometheus.GaugeVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	labels := []string{"instance_id"}

	m := &Metrics{
		MetricSaveDurationMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "save_duration_ms", Help: "Duration of the last save in ms"}, labels),
		MetricRestoreDurationMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "restore_duration_ms", Help: "Duration of the last restore in ms"}, labels),
		MetricDrainPendingOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "drain_pending_ops", Help: "Pending async ops observed when the last drain started"}, labels),
		MetricDirtyPagesCaptured: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "dirty_pages_captured", Help: "Pages written by the last memory capture"}, labels),
		MetricBytesWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "bytes_written", Help: "Bytes written by the last memory capture"}, labels),
		MetricVMRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsnap", Subsystem: "vmm", Name: "vm_running", Help: "vm running"}, labels),
	}

	reg.MustRegister(
		m.MetricSaveDurationMS,
		m.MetricRestoreDurationMS,
		m.MetricDrainPendingOps,
		m.MetricDirtyPagesCaptured,
		m.MetricBytesWritten,
		m.MetricVMRunning,
	)

	return m
}
