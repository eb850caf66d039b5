package monitor

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agentdash/backend/internal/state"
)

// DiscoverAgentProcesses lists running coding-agent CLI processes with
// their working directories. Per-process errors (races with exit, permission
// denials) skip that process rather than failing the scan.
func DiscoverAgentProcesses() ([]state.ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var results []state.ProcessInfo
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		cmdline, _ := p.Cmdline()
		if !isAgentProcess(name, cmdline) {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		results = append(results, state.ProcessInfo{
			PID:        int(p.Pid),
			Command:    cmdline,
			WorkingDir: cwd,
		})
	}
	return results, nil
}

// isAgentProcess matches the main agent CLI process, not subprocesses it
// spawns. The CLI runs either as a native binary or under node.
func isAgentProcess(name, cmdline string) bool {
	switch name {
	case "claude", "claude-code":
		return true
	}
	if name == "node" {
		args := strings.Fields(cmdline)
		for i := 1; i < len(args); i++ {
			if strings.Contains(args[i], "claude") && !strings.Contains(args[i], "node_modules/.bin") {
				return true
			}
		}
	}
	return false
}
