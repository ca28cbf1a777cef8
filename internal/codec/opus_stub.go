//go:build !opus

package codec

// Builds without the opus tag still know the format so that selecting it
// fails with ErrBackendUnavailable instead of ErrUnsupportedFormat.
func init() {
	Register(Provider{
		Type:             TypeOpus,
		Name:             "libopus (not built)",
		ContentType:      "audio/ogg",
		Extension:        "opus",
		FormatIdentifier: "opus",
		Available:        func(Config) bool { return false },
		New:              func() Backend { return nil },
	})
}
