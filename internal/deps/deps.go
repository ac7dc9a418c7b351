package deps

import "strings"

// Requirement defines an external binary vidqueue relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency. Command is the resolved
// path when the binary was found.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries runs CheckExecutable for each requirement.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := CheckExecutable(req.Name, strings.TrimSpace(req.Command))
		status.Description = strings.TrimSpace(req.Description)
		status.Optional = req.Optional
		results = append(results, status)
	}
	return results
}
