package connector

import (
	"fmt"
	"io"
	"log/slog"

	"glasscoder/internal/conveyor"
	"glasscoder/internal/hls"
	"glasscoder/internal/platform/metrics"
)

// Deps are the shared collaborators handed to New.
type Deps struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
	// Transfer configures the conveyors connectors create for themselves:
	// admin metadata requests and single-rendition HLS uploads.
	Transfer conveyor.Config
	// Conveyor, when set, is shared by HLS connectors of a multi-bitrate
	// set. Its owner starts and stops it.
	Conveyor *conveyor.Conveyor
	// Playlists is the HLS segment registry and playlist renderer.
	Playlists *hls.Service
	// WorkDir is the parent of HLS working directories.
	WorkDir string
	// Stdout receives the iceout stream.
	Stdout io.Writer
	// Top builds the master playlist publisher of a multi-bitrate set.
	Top bool
}

// New builds the connector for t.
func New(t ServerType, s Settings, d Deps) (Connector, error) {
	switch t {
	case ServerIcecast2:
		meta, err := conveyor.New(d.Transfer, d.Log, d.Metrics)
		if err != nil {
			return nil, err
		}
		return NewIcecast(s, meta, d.Log, d.Metrics), nil

	case ServerShoutcast1, ServerShoutcast2:
		// admin.cgi authenticates with the pass parameter, never basic auth.
		cfg := d.Transfer
		cfg.Username, cfg.Password = "", ""
		meta, err := conveyor.New(cfg, d.Log, d.Metrics)
		if err != nil {
			return nil, err
		}
		version := 2
		if t == ServerShoutcast1 {
			version = 1
		}
		return NewShoutcast(version, s, meta, d.Log, d.Metrics), nil

	case ServerIcecastStreamer:
		return NewIcecastServer(s, d.Log, d.Metrics), nil

	case ServerIcecastOut:
		return NewIcecastOut(s, d.Stdout, d.Log, d.Metrics), nil

	case ServerFile:
		return NewFile(s, d.Log, d.Metrics), nil

	case ServerFileArchive:
		return NewFileArchive(s, d.Log, d.Metrics), nil

	case ServerHLS:
		return NewHLS(s, HLSOptions{
			Top:       d.Top,
			Conveyor:  d.Conveyor,
			Playlists: d.Playlists,
			WorkDir:   d.WorkDir,
			Transfer:  d.Transfer,
		}, d.Log, d.Metrics)
	}
	return nil, fmt.Errorf("%w: unknown server type %d", ErrInvalidSettings, int(t))
}
