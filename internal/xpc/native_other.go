//go:build !darwin || !cgo

package xpc

// NewNativeRuntime reports that launchd is not reachable on this platform.
func NewNativeRuntime() (Runtime, error) {
	return nil, ErrUnsupportedPlatform
}
