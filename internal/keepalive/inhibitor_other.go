//go:build !linux

package keepalive

import logx "bulksms/pkg/logx"

// New returns Nop: logind only exists on linux.
func New(enabled bool, log logx.Logger) Locker {
	if enabled && !log.IsZero() {
		log.Warn("keepalive inhibitor unsupported on this OS; running without it")
	}
	return Nop{}
}
