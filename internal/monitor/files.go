package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultProjectsDir returns the agent CLI's conversation root,
// ~/.claude/projects.
func DefaultProjectsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// findRecentConversationFiles lists every conversation JSONL under root
// modified within the given window. A missing root is not an error — the
// CLI may simply never have run on this machine.
func findRecentConversationFiles(root string, within time.Duration) ([]string, error) {
	projects, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().Add(-within)
	var paths []string

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		projectPath := filepath.Join(root, project.Name())
		files, err := os.ReadDir(projectPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				paths = append(paths, filepath.Join(projectPath, f.Name()))
			}
		}
	}

	return paths, nil
}
