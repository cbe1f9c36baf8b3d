//go:build !linux && !darwin && !windows

package service

// NewInstaller reports that services are unsupported here
func NewInstaller(spec Spec) (Installer, error) {
	return nil, ErrUnsupported
}
