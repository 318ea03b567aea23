package actuators

import (
	"context"
	"fmt"
	"os/exec"
)

// AppLauncher best-effort launches a configured application id for
// POST /app/open. It is not part of the tool-call adapter set and
// nothing gates it through the policy engine: /app/open is a bare
// best-effort convenience endpoint, not a policy-gated tool.
type AppLauncher struct {
	commands map[string][]string
}

// NewAppLauncher builds a launcher from an app id -> command-line map
// supplied by runtime configuration.
func NewAppLauncher(commands map[string][]string) *AppLauncher {
	return &AppLauncher{commands: commands}
}

// Open starts the configured command for appID without waiting for it
// to exit.
func (l *AppLauncher) Open(ctx context.Context, appID string) error {
	argv, ok := l.commands[appID]
	if !ok || len(argv) == 0 {
		return fmt.Errorf("no command configured for app id %q", appID)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %q: %w", appID, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
