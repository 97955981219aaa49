package capture

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/media_gate"
)

// Options параметры захвата
type Options struct {
	VideoWidth  int
	VideoHeight int
	Logger      zerolog.Logger
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		VideoWidth:  640,
		VideoHeight: 480,
		Logger:      zerolog.Nop(),
	}
}

// LocalTrack локальная дорожка, пригодная для передачи в PeerConnection
type LocalTrack interface {
	media_gate.Track
	TrackLocal() webrtc.TrackLocal
}

// Track дорожка захваченного устройства
type Track struct {
	*media_gate.BasicTrack
	local webrtc.TrackLocal
}

// NewTrack оборачивает webrtc дорожку. closeFn вызывается один раз при Stop.
func NewTrack(local webrtc.TrackLocal, closeFn func()) *Track {
	kind := media_gate.KindAudio
	if local.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media_gate.KindVideo
	}
	return &Track{
		BasicTrack: media_gate.NewBasicTrack(local.ID(), kind, closeFn),
		local:      local,
	}
}

// TrackLocal возвращает дорожку для AddTrack/ReplaceTrack
func (t *Track) TrackLocal() webrtc.TrackLocal {
	return t.local
}

var _ LocalTrack = (*Track)(nil)
