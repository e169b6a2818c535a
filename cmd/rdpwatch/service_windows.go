//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
)

const windowsServiceName = "RDPWatch"

// isWindowsService reports whether the process was started by the Service
// Control Manager. Call before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// hasConsole is true for interactive runs; services log to the file only.
func hasConsole() bool { return !isWindowsService() }

type monitorService struct {
	startFn func() (*monitorComponents, error)
}

// runAsService runs the monitor under the SCM. startFn is called once the
// SCM has accepted the start request.
func runAsService(startFn func() (*monitorComponents, error)) error {
	return svc.Run(windowsServiceName, &monitorService{startFn: startFn})
}

// Execute is the SCM callback. It blocks until Stop or Shutdown.
func (s *monitorService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	comps, err := s.startFn()
	if err != nil {
		log.Error("monitor start failed", "error", err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			shutdownMonitor(comps)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	shutdownMonitor(comps)
	return false, 0
}
