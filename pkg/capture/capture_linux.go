//go:build linux && cgo

package capture

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
)

// Capturer захватывает микрофон и камеру через pion/mediadevices
type Capturer struct {
	opts     Options
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
}

// New создает Capturer с кодеками VP8 и Opus
func New(opts Options) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus: %w", err)
	}

	return &Capturer{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: opts.Logger,
	}, nil
}

// ConfigureMediaEngine регистрирует кодеки захвата в MediaEngine
func (c *Capturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

// Devices возвращает список найденных устройств
func (c *Capturer) Devices() []string {
	var out []string
	for _, d := range mediadevices.EnumerateDevices() {
		out = append(out, fmt.Sprintf("%v:%s", d.Kind, d.Label))
	}
	return out
}

// GetUserMedia открывает устройства. Если камера недоступна, повторяет
// попытку только с микрофоном.
func (c *Capturer) GetUserMedia(ctx context.Context, constraints media_gate.Constraints) (*media_gate.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, phoneerr.New(phoneerr.CodeDeviceUnsupported, "устройства захвата не найдены")
	}

	attempts := []media_gate.Constraints{constraints}
	if constraints.Video && constraints.Audio {
		attempts = append(attempts, media_gate.Constraints{Audio: true})
	}

	var lastErr error
	for _, a := range attempts {
		stream, err := mediadevices.GetUserMedia(c.mediaConstraints(a))
		if err != nil {
			c.logger.Warn().Err(err).Bool("audio", a.Audio).Bool("video", a.Video).Msg("захват не удался")
			lastErr = err
			continue
		}
		if err := ctx.Err(); err != nil {
			closeTracks(stream.GetTracks())
			return nil, err
		}
		return c.wrap(stream), nil
	}
	return nil, classify(lastErr)
}

func (c *Capturer) mediaConstraints(a media_gate.Constraints) mediadevices.MediaStreamConstraints {
	mc := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if a.Video {
		width, height := c.opts.VideoWidth, c.opts.VideoHeight
		mc.Video = func(tc *mediadevices.MediaTrackConstraints) {
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
			}
			tc.Width = prop.IntRanged{Max: width}
			tc.Height = prop.IntRanged{Max: height}
		}
	}
	if a.Audio {
		mc.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	return mc
}

func (c *Capturer) wrap(ms mediadevices.MediaStream) *media_gate.Stream {
	stream := media_gate.NewStream(uuid.NewString())
	for _, t := range ms.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				c.logger.Debug().Err(err).Str("track", track.ID()).Msg("дорожка завершена")
			}
		})
		stream.AddTrack(NewTrack(track, func() {
			if err := track.Close(); err != nil {
				c.logger.Debug().Err(err).Str("track", track.ID()).Msg("ошибка закрытия дорожки")
			}
		}))
	}
	return stream
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

func classify(err error) error {
	if err == nil {
		return phoneerr.New(phoneerr.CodeDeviceUnsupported, "нет подходящих устройств")
	}
	if errors.Is(err, os.ErrPermission) {
		return phoneerr.Wrap(phoneerr.CodePermissionDenied, "нет доступа к устройству", err)
	}
	return phoneerr.Wrap(phoneerr.CodePermissionDenied, "не удалось открыть устройства", err)
}

var _ media_gate.Capturer = (*Capturer)(nil)
