package vmm

import (
	"fmt"
	"os"
	"strconv"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyFDEnv names the environment variable carrying the s6-style
// readiness fd number, when the tool runs under a supervisor that
// expects a newline on that fd once the VM is up.
const NotifyFDEnv = "NOTIFY_FD"

// NotifyReady signals readiness to whichever supervisor is present:
// a newline on the fd named by NOTIFY_FD, and sd_notify READY=1 when
// running under systemd. Both are best-effort no-ops outside their
// supervisor.
func NotifyReady() error {
	if v := os.Getenv(NotifyFDEnv); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", NotifyFDEnv, err)
		}
		f := os.NewFile(uintptr(fd), "readiness")
		if f == nil {
			return fmt.Errorf("%s names invalid fd %d", NotifyFDEnv, fd)
		}
		defer f.Close()
		if _, err := f.Write([]byte("\n")); err != nil {
			return fmt.Errorf("notifying readiness: %w", err)
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	return nil
}
