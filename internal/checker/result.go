package checker

// Result categories. Each probe reports under exactly one of these.
const (
	CategoryHeaders     = "headers"
	CategorySSL         = "ssl"
	CategoryOWASP       = "owasp"
	CategoryPerformance = "performance"
)

// CheckResult is one finding produced by a probe. Empty Value, Expected and
// Recommendation mean "not applicable".
type CheckResult struct {
	Category       string         `json:"category"`
	CheckName      string         `json:"checkName"`
	Severity       Severity       `json:"severity"`
	Value          string         `json:"value,omitempty"`
	Expected       string         `json:"expected,omitempty"`
	Message        string         `json:"message"`
	Recommendation string         `json:"recommendation,omitempty"`
	RawData        map[string]any `json:"rawData,omitempty"`
}

// CountSeverity returns how many results carry the given severity.
func CountSeverity(results []CheckResult, sev Severity) int {
	n := 0
	for _, r := range results {
		if r.Severity == sev {
			n++
		}
	}
	return n
}
