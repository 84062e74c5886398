package media

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Tool is an external program a run cannot work without.
type Tool struct {
	Name    string // label used in errors, e.g. "ffmpeg"
	Command string // configured binary name or path
}

// ToolStatus reports whether a tool was found.
type ToolStatus struct {
	Tool
	Path string // resolved path when found
	Err  error
}

// CheckTools resolves every tool on PATH (or as given when it is a path).
func CheckTools(tools []Tool) []ToolStatus {
	results := make([]ToolStatus, 0, len(tools))
	for _, tool := range tools {
		st := ToolStatus{Tool: tool}
		cmd := strings.TrimSpace(tool.Command)
		if cmd == "" {
			st.Err = fmt.Errorf("%s: command not configured", tool.Name)
			results = append(results, st)
			continue
		}
		path, err := exec.LookPath(cmd)
		if err != nil {
			st.Err = fmt.Errorf("%s: binary %q not found: %w", tool.Name, cmd, err)
		}
		st.Path = path
		results = append(results, st)
	}
	return results
}

// RequireTools fails with every missing tool named when any is unavailable.
func RequireTools(tools []Tool) error {
	var errs []error
	for _, st := range CheckTools(tools) {
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errors.Join(errs...)
}
