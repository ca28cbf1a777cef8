package encoder

import (
	"net/url"
	"time"

	"glasscoder/internal/capture"
	"glasscoder/internal/codec"
	"glasscoder/internal/connector"
	"glasscoder/internal/conveyor"
	"glasscoder/internal/platform/config"
)

// FromConfig translates the process configuration into the pipeline and
// capture configurations.
func FromConfig(cfg *config.Config) (Config, capture.Config, error) {
	ct, err := codec.ParseType(cfg.Audio.Format)
	if err != nil {
		return Config{}, capture.Config{}, err
	}
	st, err := connector.ParseServerType(cfg.Server.Type)
	if err != nil {
		return Config{}, capture.Config{}, err
	}

	cc := codec.DefaultConfig(ct)
	cc.Channels = cfg.Audio.Channels
	cc.SourceRate = cfg.Audio.SourceSampleRate
	cc.StreamRate = cfg.Audio.SampleRate
	cc.Bitrate = cfg.Audio.Bitrate()
	cc.Quality = cfg.Audio.Quality
	cc.EncoderBinary = cfg.Audio.EncoderBinary

	s := connector.DefaultSettings()
	s.Username = cfg.Server.Username
	s.Password = cfg.Server.Password
	s.UserAgent = cfg.Server.UserAgent
	s.ScriptUp = cfg.Server.ScriptUp
	s.ScriptDown = cfg.Server.ScriptDown
	s.NoDeletes = cfg.Server.NoDeletes
	s.MaxConnections = cfg.Server.MaxConnections
	s.ExitOnLast = cfg.Server.ExitOnLast
	s.Pipe = cfg.Server.Pipe
	s.Auth = cfg.Server.Auth
	s.SegmentSeconds = cfg.HLS.SegmentSeconds
	s.TimestampOffset = time.Duration(cfg.Stream.TimestampOffset) * time.Second
	s.Stream = connector.StreamInfo{
		Name:        cfg.Stream.Name,
		Description: cfg.Stream.Description,
		Genre:       cfg.Stream.Genre,
		URL:         cfg.Stream.URL,
		IRC:         cfg.Stream.IRC,
		ICQ:         cfg.Stream.ICQ,
		AIM:         cfg.Stream.AIM,
		Public:      cfg.Stream.Public,
	}

	u := cfg.Server.URL
	if u == nil && st == connector.ServerIcecastOut {
		u = &url.URL{Path: "/stdout"}
	}

	ec := Config{
		Codec:      cc,
		Bitrates:   cfg.Audio.Bitrates,
		ServerType: st,
		URL:        u,
		Settings:   s,
		RingFrames: cfg.Audio.RingFrames,
		HLSWindow:  cfg.HLS.Window,
		Transfer: conveyor.Config{
			Username:  cfg.Server.Username,
			Password:  cfg.Server.Password,
			Identity:  cfg.Server.SSHIdentity,
			UserAgent: cfg.Server.UserAgent,
			Client:    cfg.Server.TransferClient,
			NoDeletes: cfg.Server.NoDeletes,
		},
	}
	src := capture.Config{
		Device:     cfg.Audio.Device,
		Channels:   cfg.Audio.DeviceChannels,
		SampleRate: cfg.Audio.SourceSampleRate,
		File:       cfg.Audio.File,
		Loop:       cfg.Audio.FileLoop,
		ToneHz:     cfg.Audio.ToneHz,
	}
	return ec, src, nil
}
