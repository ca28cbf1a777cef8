//go:build !portaudio

package capture

import (
	"fmt"
	"log/slog"
)

// NewPortAudioSource reports ErrDeviceUnavailable in builds without the
// portaudio tag.
func NewPortAudioSource(rate, channels int, log *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: portaudio (rebuild with -tags portaudio)", ErrDeviceUnavailable)
}
