package obs

// Set at link time: -ldflags "-X quillpress.org/internal/obs.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
)

// SetBuildInfo publishes build_info{version,commit} 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}
