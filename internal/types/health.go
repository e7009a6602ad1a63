package types

// CheckStatus grades one health check
type CheckStatus string

const (
	CheckOK   CheckStatus = "ok"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// HealthCheck is one line of the dependency report
type HealthCheck struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

// HealthReport describes whether the engine and local state are usable
type HealthReport struct {
	Version       string         `json:"version"`
	EngineVersion string         `json:"engineVersion,omitempty"`
	Healthy       bool           `json:"healthy"`
	Checks        []HealthCheck  `json:"checks"`
	Stream        *ServeInstance `json:"stream,omitempty"`
}

// Add appends a check; a failing check marks the report unhealthy
func (h *HealthReport) Add(name string, status CheckStatus, detail string) {
	h.Checks = append(h.Checks, HealthCheck{Name: name, Status: status, Detail: detail})
	if status == CheckFail {
		h.Healthy = false
	}
}

func (h *HealthReport) Headers() []string {
	return []string{"Check", "Status", "Detail"}
}

func (h *HealthReport) Rows() [][]string {
	rows := make([][]string, len(h.Checks))
	for i, c := range h.Checks {
		rows[i] = []string{c.Name, string(c.Status), c.Detail}
	}
	return rows
}

func (h *HealthReport) EmptyMessage() string {
	return "No checks run"
}

// RestoreResult lists remotes whose engine config was rebuilt from the vault
type RestoreResult struct {
	Restored []string `json:"restored"`
	Missing  []string `json:"missing"`
}
