package model

import "time"

// History represents a single vtest run as persisted under the history directory
type History struct {
	// Unique ID for this run
	ID string `json:"id"`
	// Timestamp when the run started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where the run was started (relative to repo root)
	WorkDir string `json:"workdir"`
	// Exit code of the run
	ExitCode int `json:"exit_code"`
	// Duration of the run
	Duration time.Duration `json:"duration"`
	// Git information
	Git *Git `json:"git,omitempty"`
	// Execution environment
	Target *Target `json:"target,omitempty"`
	// File filters passed on the command line
	Filters []string `json:"filters,omitempty"`
	// Tally of test states at the end of the run
	Counts Counts `json:"counts"`
	// Collected files with their final results
	Files []*Task `json:"files,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
	// Repository name
	Repo string `json:"repo,omitempty"`
}

// Target contains information about the execution environment
type Target struct {
	// Operating system of the execution environment
	OS string `json:"os,omitempty"`
	// CPU architecture of the execution environment
	Arch string `json:"arch,omitempty"`
	// Go runtime version
	GoVersion string `json:"go_version,omitempty"`
}

// Passed reports whether the run finished without failed tests
func (h *History) Passed() bool {
	return h.ExitCode == 0 && h.Counts.Failed == 0
}
