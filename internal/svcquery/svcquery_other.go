//go:build !windows

package svcquery

// GetStatus is only implemented against the Windows SCM.
func GetStatus(name string) (ServiceInfo, error) {
	return ServiceInfo{Name: name, Status: StatusUnknown}, ErrUnsupported
}
