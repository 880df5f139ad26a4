package agent

const (
	defaultProcessName  = "w3wp.exe"
	defaultLabelPattern = `-ap "(?P<label>\w+)"`
)

// Settings describes the host an Agent samples and how process owners are derived.
type Settings struct {
	// Name is the agent display name, reported as the component name
	Name string

	// Host is the machine the counters are read from; defaults to Name
	Host string

	// ProcessName is the executable whose processes are correlated to owners
	ProcessName string

	// LabelPattern extracts the owner label from a process command line.
	// The group named "label" is used, or the first group when none is named.
	LabelPattern string
}

func normalizeSettings(s Settings) Settings {
	normalized := s

	if normalized.Host == "" {
		normalized.Host = normalized.Name
	}
	if normalized.ProcessName == "" {
		normalized.ProcessName = defaultProcessName
	}
	if normalized.LabelPattern == "" {
		normalized.LabelPattern = defaultLabelPattern
	}

	return normalized
}
