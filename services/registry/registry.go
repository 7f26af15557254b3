// Package registry publishes built artifacts to an image registry.
package registry

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
)

// DockerRegistry pushes through the docker CLI. Credentials are an opaque
// pair supplied externally; when empty, the push relies on an ambient
// docker login.
type DockerRegistry struct {
	bin      string
	host     string
	username string
	password string

	loginOnce sync.Once
	loginErr  error
}

func NewDockerRegistry(host, username, password string) *DockerRegistry {
	return &DockerRegistry{bin: "docker", host: host, username: username, password: password}
}

func (r *DockerRegistry) Push(ctx context.Context, imageRef string, log interfaces.StageLogger) error {
	if r.username != "" {
		r.loginOnce.Do(func() { r.loginErr = r.login(ctx) })
		if r.loginErr != nil {
			return &models.RegistryAuthError{Registry: r.host, Cause: r.loginErr}
		}
	}

	log.Logf("pushing %s", imageRef)
	cmd := exec.CommandContext(ctx, r.bin, "push", imageRef)
	out, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			log.Logf("%s", line)
		}
	}
	if err != nil {
		if looksLikeAuthFailure(string(out)) {
			return &models.RegistryAuthError{Registry: r.host, Cause: err}
		}
		return &models.RegistryPushError{Image: imageRef, Cause: err}
	}
	log.Logf("pushed %s", imageRef)
	return nil
}

func (r *DockerRegistry) login(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.bin, "login", r.host, "-u", r.username, "--password-stdin")
	cmd.Stdin = strings.NewReader(r.password)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker login %s: %v: %s", r.host, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func looksLikeAuthFailure(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "denied") ||
		strings.Contains(lower, "authentication required")
}
