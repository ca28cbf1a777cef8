package encoder

import (
	"errors"

	"glasscoder/internal/capture"
	"glasscoder/internal/codec"
	"glasscoder/internal/connector"
	"glasscoder/internal/platform/config"
)

var fatalErrors = []error{
	config.ErrConfiguration,
	codec.ErrBackendUnavailable,
	codec.ErrUnsupportedFormat,
	codec.ErrInvalidConfiguration,
	connector.ErrInvalidSettings,
	capture.ErrRemix,
	capture.ErrDeviceUnavailable,
	capture.ErrUnsupportedFile,
}

// IsFatal reports whether err ends the process. Protocol and transfer
// failures are recovered by the connectors and never reach here.
func IsFatal(err error) bool {
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
