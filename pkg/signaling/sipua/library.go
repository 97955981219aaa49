package sipua

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/signaling"
)

// MediaEngineConfigurer регистрирует кодеки локального захвата
type MediaEngineConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// Options параметры библиотеки
type Options struct {
	// ICEServers адреса STUN/TURN серверов
	ICEServers []string
	// Codecs источник кодеков. Если nil, регистрируются кодеки по умолчанию.
	Codecs MediaEngineConfigurer
	// GatherTimeout ограничивает сбор ICE кандидатов перед отправкой SDP
	GatherTimeout time.Duration
	// ByeTimeout ограничивает отправку BYE/CANCEL при завершении
	ByeTimeout time.Duration
	Logger     zerolog.Logger
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
		GatherTimeout: 5 * time.Second,
		ByeTimeout:    5 * time.Second,
		Logger:        zerolog.Nop(),
	}
}

// Library реализация signaling.Library поверх sipgo и pion/webrtc
type Library struct {
	opts   Options
	api    *webrtc.API
	logger zerolog.Logger
}

var _ signaling.Library = (*Library)(nil)

// New создает библиотеку: MediaEngine, интерсепторы RTCP и WebRTC API
func New(opts Options) (*Library, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultOptions().GatherTimeout
	}
	if opts.ByeTimeout <= 0 {
		opts.ByeTimeout = DefaultOptions().ByeTimeout
	}

	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("ошибка регистрации кодеков: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("ошибка регистрации кодеков: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("ошибка регистрации интерсепторов: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	return &Library{
		opts: opts,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		logger: opts.Logger.With().Str("module", "sipua").Logger(),
	}, nil
}

// Loaded сообщает, создан ли WebRTC API
func (l *Library) Loaded() bool {
	return l != nil && l.api != nil
}

// NewUserAgent создает агента для cfg. Транспорт открывается в Start.
func (l *Library) NewUserAgent(cfg signaling.UserAgentConfig) (signaling.UserAgent, error) {
	if !l.Loaded() {
		return nil, fmt.Errorf("библиотека не инициализирована")
	}
	return newUserAgent(l, cfg)
}

func (l *Library) newPeerConnection() (*webrtc.PeerConnection, error) {
	conf := webrtc.Configuration{}
	if len(l.opts.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: l.opts.ICEServers}}
	}
	return l.api.NewPeerConnection(conf)
}
