//go:build !windows

package gamma

// PlatformBackends returns the backends only available on this OS.
func PlatformBackends() []Backend {
	return nil
}
