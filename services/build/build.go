// Package build produces one image artifact per buildable service by
// driving the docker CLI against each service's build context.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
)

type DockerBuilder struct {
	bin string
}

func NewDockerBuilder() *DockerBuilder {
	return &DockerBuilder{bin: "docker"}
}

func (b *DockerBuilder) Build(ctx context.Context, svc models.Service, srcDir string, log interfaces.StageLogger) error {
	if svc.BuildContext == "" {
		return fmt.Errorf("service %q has no build context", svc.Name)
	}
	ctxDir := filepath.Join(srcDir, svc.BuildContext)

	log.Logf("building %s from %s", svc.Image, ctxDir)
	cmd := exec.CommandContext(ctx, b.bin, "build", "-t", svc.Image, ctxDir)

	if err := runLogged(cmd, log); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &models.BuildError{Service: svc.Name, ExitCode: exitErr.ExitCode(), Cause: err}
		}
		return &models.BuildError{Service: svc.Name, ExitCode: -1, Cause: err}
	}
	log.Logf("built %s", svc.Image)
	return nil
}

// runLogged runs a command streaming both output pipes line by line into the
// stage log, then waits for completion.
func runLogged(cmd *exec.Cmd, log interfaces.StageLogger) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go logPipe(&wg, stdout, log)
	go logPipe(&wg, stderr, log)
	wg.Wait()

	return cmd.Wait()
}

func logPipe(wg *sync.WaitGroup, rc io.Reader, log interfaces.StageLogger) {
	defer wg.Done()
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		log.Logf("%s", scanner.Text())
	}
}
