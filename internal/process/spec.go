package process

import (
	"os"
	"os/exec"
	"time"

	"github.com/loykin/vpnconnector/internal/logger"
)

// OutputWaitDelay bounds how long Wait keeps copying output after the client
// exits while a helper it forked (pppd) still holds the pipe.
const OutputWaitDelay = 3 * time.Second

// Spec describes one VPN client invocation.
type Spec struct {
	Name       string            // connection id, used for logging
	Binary     string            // executable name or path, resolved with exec.LookPath
	Args       []string          // argument list, never passed through a shell
	ConfigPath string            // runtime config that must exist before spawn
	Env        []string          // optional extra environment (KEY=VALUE)
	Output     logger.FileConfig // when Path is set, stdout/stderr are captured into a rotated file
}

// BuildCommand constructs the *exec.Cmd for the resolved binary path.
func (s Spec) BuildCommand(path string) *exec.Cmd {
	// #nosec G204 -- binary comes from service configuration, args are built by the driver
	cmd := exec.Command(path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.WaitDelay = OutputWaitDelay
	configureSysProcAttr(cmd)
	return cmd
}
