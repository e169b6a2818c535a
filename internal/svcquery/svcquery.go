package svcquery

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without a service manager query.
var ErrUnsupported = errors.New("svcquery: not supported on this platform")

type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusDisabled ServiceStatus = "disabled"
	StatusUnknown  ServiceStatus = "unknown"
)

// Host services the monitor reads from: Remote Desktop Services backs the
// session listing and EventLog backs the Security log reader.
var Required = []string{"TermService", "EventLog"}

// ServiceInfo describes a system service.
type ServiceInfo struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName,omitempty"`
	Status      ServiceStatus `json:"status"`
	StartType   string        `json:"startType,omitempty"`
}

// IsActive returns true if the service is currently running.
func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}

// Query looks up one service. GetStatus is the platform implementation.
type Query func(name string) (ServiceInfo, error)

// NotRunning queries each named service and returns a description of every
// one that is not running. ErrUnsupported from query is returned as is so
// callers can skip the check entirely.
func NotRunning(query Query, names []string) ([]string, error) {
	var problems []string
	for _, name := range names {
		info, err := query(name)
		if errors.Is(err, ErrUnsupported) {
			return nil, err
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if !info.IsActive() {
			problems = append(problems, fmt.Sprintf("%s is %s", name, info.Status))
		}
	}
	return problems, nil
}
