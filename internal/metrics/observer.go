package metrics

// Observer lets kernel subsystems report events without importing
// *Metrics directly, the same indirection the teacher's ublk.Observer
// gives backend implementations.
type Observer interface {
	ObserveSyscall(ok bool)
	ObserveMessage(bytes uint64, latencyNs uint64)
	ObserveMessageDropped()
	ObservePulse(dropped bool)
	ObserveContextSwitch()
	ObservePreemption()
	ObserveInterrupt(dropped bool)
	ObserveProcessSpawned()
	ObserveProcessReaped()
}

// NoOpObserver discards every event; it is the default Deps.Observer so
// callers never need a nil check.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSyscall(bool)            {}
func (NoOpObserver) ObserveMessage(uint64, uint64)  {}
func (NoOpObserver) ObserveMessageDropped()          {}
func (NoOpObserver) ObservePulse(bool)               {}
func (NoOpObserver) ObserveContextSwitch()           {}
func (NoOpObserver) ObservePreemption()              {}
func (NoOpObserver) ObserveInterrupt(bool)           {}
func (NoOpObserver) ObserveProcessSpawned()          {}
func (NoOpObserver) ObserveProcessReaped()           {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSyscall(ok bool) { o.metrics.RecordSyscall(ok) }

func (o *MetricsObserver) ObserveMessage(bytes uint64, latencyNs uint64) {
	o.metrics.RecordMessage(bytes, latencyNs)
}

func (o *MetricsObserver) ObserveMessageDropped() { o.metrics.RecordMessageDropped() }

func (o *MetricsObserver) ObservePulse(dropped bool) { o.metrics.RecordPulse(dropped) }

func (o *MetricsObserver) ObserveContextSwitch() { o.metrics.RecordContextSwitch() }

func (o *MetricsObserver) ObservePreemption() { o.metrics.RecordPreemption() }

func (o *MetricsObserver) ObserveInterrupt(dropped bool) { o.metrics.RecordInterrupt(dropped) }

func (o *MetricsObserver) ObserveProcessSpawned() { o.metrics.RecordProcessSpawned() }

func (o *MetricsObserver) ObserveProcessReaped() { o.metrics.RecordProcessReaped() }

// compile-time interface checks
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
