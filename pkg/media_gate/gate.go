package media_gate

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/phoneerr"
)

// Permission состояние разрешения на захват устройств
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Capturer источник локального медиа (микрофон и камера).
// Ошибки отказа доступа и отсутствия поддержки должны иметь коды
// phoneerr.CodePermissionDenied и phoneerr.CodeDeviceUnsupported.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Snapshot неизменяемый снимок состояния Gate
type Snapshot struct {
	Permission   Permission
	Stream       *Stream
	AudioEnabled bool
	VideoEnabled bool
}

// Gate единственный владелец локального медиа потока.
//
// Gate запрашивает доступ к устройствам, хранит полученный поток и
// управляет флагами enabled треков. Остальные компоненты получают поток
// во временное пользование и никогда не останавливают его треки.
type Gate struct {
	capturer Capturer
	logger   zerolog.Logger

	mu           sync.Mutex
	stream       *Stream
	permission   Permission
	audioEnabled bool
	videoEnabled bool
}

// Option опция конструктора Gate
type Option func(*Gate)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) {
		g.logger = l.With().Str("module", "media_gate").Logger()
	}
}

// NewGate создает Gate. capturer может быть nil, тогда любой запрос
// доступа завершится ошибкой DeviceUnsupported.
func NewGate(capturer Capturer, opts ...Option) *Gate {
	g := &Gate{
		capturer:     capturer,
		logger:       zerolog.Nop(),
		permission:   PermissionUnknown,
		audioEnabled: true,
		videoEnabled: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestPermission запрашивает доступ к микрофону и камере.
//
// При успехе поток сохраняется, все треки включаются. Если поток уже
// получен, он возвращается без повторного захвата. При отказе разрешение
// переходит в denied, повторный вызов допустим.
func (g *Gate) RequestPermission(ctx context.Context) (*Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stream != nil {
		return g.stream, nil
	}

	if g.capturer == nil {
		g.permission = PermissionDenied
		return nil, phoneerr.New(phoneerr.CodeDeviceUnsupported, "устройства захвата медиа недоступны")
	}

	stream, err := g.capturer.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
	if err == nil && stream == nil {
		err = errors.New("устройство не вернуло поток")
	}
	if err != nil {
		g.permission = PermissionDenied
		perr := classifyCaptureError(err)
		g.logger.Warn().Err(err).Str("code", perr.Code.String()).Msg("Доступ к медиа устройствам не получен")
		return nil, perr
	}

	for _, t := range stream.Tracks() {
		t.SetEnabled(true)
	}
	g.stream = stream
	g.permission = PermissionGranted
	g.audioEnabled = true
	g.videoEnabled = true

	g.logger.Info().
		Str("stream_id", stream.ID()).
		Int("tracks", stream.Len()).
		Msg("Доступ к медиа устройствам получен")
	return stream, nil
}

func classifyCaptureError(err error) *phoneerr.Error {
	switch phoneerr.CodeOf(err) {
	case phoneerr.CodePermissionDenied, phoneerr.CodeDeviceUnsupported:
		return phoneerr.From(err, phoneerr.CodePermissionDenied)
	}
	return phoneerr.Wrap(phoneerr.CodePermissionDenied, "захват медиа отклонен", err)
}

// SetAudioEnabled включает или выключает все аудио треки.
// Без потока ничего не меняет и возвращает текущее значение флага.
func (g *Gate) SetAudioEnabled(enabled bool) bool {
	return g.setEnabled(KindAudio, enabled)
}

// SetVideoEnabled включает или выключает все видео треки.
// Без потока ничего не меняет и возвращает текущее значение флага.
func (g *Gate) SetVideoEnabled(enabled bool) bool {
	return g.setEnabled(KindVideo, enabled)
}

func (g *Gate) setEnabled(kind Kind, enabled bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	flag := &g.audioEnabled
	if kind == KindVideo {
		flag = &g.videoEnabled
	}
	if g.stream == nil {
		return *flag
	}

	for _, t := range g.stream.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
	*flag = enabled

	g.logger.Debug().Str("kind", kind.String()).Bool("enabled", enabled).Msg("Флаг треков изменен")
	return enabled
}

// Release останавливает все треки и забывает поток. Идемпотентен.
// Состояние разрешения не сбрасывается.
func (g *Gate) Release() {
	g.mu.Lock()
	stream := g.stream
	g.stream = nil
	g.audioEnabled = true
	g.videoEnabled = true
	g.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Stop()
	g.logger.Info().Str("stream_id", stream.ID()).Msg("Локальный поток освобожден")
}

func (g *Gate) Stream() *Stream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream
}

func (g *Gate) Permission() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permission
}

func (g *Gate) AudioEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audioEnabled
}

func (g *Gate) VideoEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.videoEnabled
}

// Snapshot возвращает согласованный снимок состояния
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Permission:   g.permission,
		Stream:       g.stream,
		AudioEnabled: g.audioEnabled,
		VideoEnabled: g.videoEnabled,
	}
}
