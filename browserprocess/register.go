package browserprocess

import (
	"os"
	"sync"

	"github.com/grafana/chromium-session/log"
)

var (
	processRegister   = map[int]struct{}{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}       //nolint:gochecknoglobals
)

func register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:register", "registered browser process pid %d", pid)

	processRegister[pid] = struct{}{}
}

func unregister(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:unregister", "unregistered browser process pid %d", pid)

	delete(processRegister, pid)
}

// Registered returns the pids of the browser processes still tracked.
func Registered() []int {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	pids := make([]int, 0, len(processRegister))
	for pid := range processRegister {
		pids = append(pids, pid)
	}
	return pids
}

// ForceProcessShutdown kills every browser process launched by this package
// that hasn't been terminated yet. It is meant for abnormal exits, such as a
// signal, where sessions don't get a chance to clean up.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for pid := range processRegister {
		Kill(pid)
		delete(processRegister, pid)
	}
}

// Kill looks for and kills the process with the given pid. It is a variable
// so that tests can observe forced shutdowns without killing anything.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}
