//go:build windows

package runtime

import (
	"os/exec"
	"time"
)

// setProcGroup is a best-effort stand-in on Windows: there are no POSIX
// process groups, so cancellation kills only the direct child. WaitDelay
// still bounds how long Wait blocks on orphaned pipe readers.
func setProcGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 7 * time.Second
}
