package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/signaling"
)

// State состояние канала регистрации
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateTransportConnected State = "transportConnected"
	StateRegistered         State = "registered"
	StateUnregistered       State = "unregistered"
	StateRegistrationFailed State = "registrationFailed"
	StateError              State = "error"
)

func (s State) String() string {
	return string(s)
}

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateTransportConnected),
	string(StateRegistered), string(StateUnregistered), string(StateRegistrationFailed),
	string(StateError),
}

// События автомата
const (
	evConnect       = "connect"
	evReconnect     = "reconnect"
	evTransportOpen = "transport_open"
	evRegistered    = "registered"
	evRejected      = "registration_rejected"
	evUnregistered  = "unregistered"
	evTransportLost = "transport_closed"
	evFault         = "fault"
	evDisconnect    = "disconnect"
)

// Event событие агента, помеченное поколением соединения.
// События прежних поколений отбрасываются.
type Event struct {
	Generation uint64
	signaling.Event
}

// Sink получатель событий канала. Вызывается из горутины канала,
// должен прекращать ожидание при отмене ctx.
type Sink func(ctx context.Context, evt Event)

// Transition примененный переход состояния
type Transition struct {
	From  State
	To    State
	Cause string
}

// Options параметры канала
type Options struct {
	NoAnswerTimeout time.Duration
	RegisterExpires time.Duration
	UserAgentName   string
	Logger          zerolog.Logger
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		NoAnswerTimeout: 60 * time.Second,
		RegisterExpires: 600 * time.Second,
		UserAgentName:   "webphone",
		Logger:          zerolog.Nop(),
	}
}

// Channel канал регистрации: владеет агентом библиотеки и автоматом
// состояний регистрации.
//
// Channel не потокобезопасен: все методы вызываются из одной горутины
// владельца. Собственная горутина канала только пересылает события агента
// в Sink, состояние меняет только HandleEvent.
type Channel struct {
	lib    signaling.Library
	sink   Sink
	opts   Options
	logger zerolog.Logger

	sm         *fsm.FSM
	ua         signaling.UserAgent
	config     *Config
	generation uint64
	lastCause  string
	lastErr    *phoneerr.Error

	pumpCancel context.CancelFunc
	pumpWG     sync.WaitGroup
}

// NewChannel создает канал в состоянии disconnected
func NewChannel(lib signaling.Library, sink Sink, opts Options) *Channel {
	c := &Channel{
		lib:    lib,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With().Str("module", "registration").Logger(),
	}
	c.initStateMachine()
	return c
}

func (c *Channel) initStateMachine() {
	c.sm = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: evConnect, Src: allStates, Dst: string(StateConnecting)},
			{Name: evReconnect, Src: []string{
				string(StateDisconnected), string(StateUnregistered),
			}, Dst: string(StateConnecting)},
			{Name: evTransportOpen, Src: []string{string(StateConnecting)}, Dst: string(StateTransportConnected)},
			{Name: evRegistered, Src: []string{string(StateTransportConnected)}, Dst: string(StateRegistered)},
			{Name: evRejected, Src: []string{
				string(StateTransportConnected), string(StateRegistered),
			}, Dst: string(StateRegistrationFailed)},
			{Name: evUnregistered, Src: []string{string(StateRegistered)}, Dst: string(StateUnregistered)},
			{Name: evTransportLost, Src: allStates, Dst: string(StateDisconnected)},
			{Name: evFault, Src: allStates, Dst: string(StateError)},
			{Name: evDisconnect, Src: allStates, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if e.Src == e.Dst {
					return
				}
				c.logger.Info().
					Str("event", e.Event).
					Str("from", e.Src).
					Str("to", e.Dst).
					Uint64("generation", c.generation).
					Msg("Переход состояния регистрации")
			},
		},
	)
}

// fire выполняет событие автомата. Переход в то же состояние не ошибка.
func (c *Channel) fire(ctx context.Context, event string) (Transition, bool) {
	from := c.State()
	err := c.sm.Event(ctx, event)
	if err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.logger.Debug().Err(err).Str("event", event).Str("state", from.String()).Msg("Событие отклонено автоматом")
		}
		return Transition{}, false
	}
	return Transition{From: from, To: c.State(), Cause: c.lastCause}, true
}

// Connect открывает новое соединение с конфигурацией cfg.
//
// Прежнее соединение полностью останавливается до создания нового агента.
// Метод возвращается после запуска, дальнейший ход регистрации приходит
// событиями через Sink.
func (c *Channel) Connect(ctx context.Context, cfg Config) (Transition, error) {
	if c.lib == nil || !c.lib.Loaded() {
		c.teardown(ctx)
		cfgCopy := cfg
		c.config = &cfgCopy
		c.lastCause = ""
		c.lastErr = phoneerr.New(phoneerr.CodeSignalingLibraryUnavailable, "библиотека сигнализации не загружена")
		tr, _ := c.fire(ctx, evFault)
		return tr, c.lastErr
	}

	c.teardown(ctx)

	c.generation++
	cfgCopy := cfg
	c.config = &cfgCopy
	c.lastCause = ""
	c.lastErr = nil
	tr, _ := c.fire(ctx, evConnect)

	ua, err := c.lib.NewUserAgent(signaling.UserAgentConfig{
		URI:               cfg.URI,
		Username:          cfg.Username,
		AuthorizationUser: cfg.Username,
		Password:          cfg.Password,
		DisplayName:       cfg.Username,
		Server:            cfg.Server,
		Register:          true,
		RegisterExpires:   c.opts.RegisterExpires,
		NoAnswerTimeout:   c.opts.NoAnswerTimeout,
		SessionTimers:     true,
		UserAgent:         c.opts.UserAgentName,
	})
	if err != nil {
		return c.fail(ctx, phoneerr.Wrap(phoneerr.CodeTransportFailure, "не удалось создать агента", err))
	}
	c.ua = ua
	c.startPump(ua, c.generation)

	if err := ua.Start(ctx); err != nil {
		c.teardown(ctx)
		return c.fail(ctx, phoneerr.Wrap(phoneerr.CodeTransportFailure, "не удалось запустить агента", err))
	}

	c.logger.Info().
		Str("uri", cfg.URI).
		Str("server", cfg.Server).
		Uint64("generation", c.generation).
		Msg("Подключение запущено")
	return tr, nil
}

func (c *Channel) fail(ctx context.Context, err *phoneerr.Error) (Transition, error) {
	c.lastErr = err
	c.lastCause = err.Message
	tr, _ := c.fire(ctx, evFault)
	c.logger.Error().Err(err).Msg("Ошибка подключения")
	return tr, err
}

// startPump пересылает события агента в Sink до отмены или закрытия потока
func (c *Channel) startPump(ua signaling.UserAgent, generation uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pumpCancel = cancel
	events := ua.Events()

	c.pumpWG.Add(1)
	go func() {
		defer c.pumpWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if c.sink != nil {
					c.sink(ctx, Event{Generation: generation, Event: evt})
				}
			}
		}
	}()
}

// teardown останавливает текущего агента и ждет завершения пересылки
func (c *Channel) teardown(ctx context.Context) {
	if c.pumpCancel != nil {
		c.pumpCancel()
		c.pumpCancel = nil
	}
	if c.ua != nil {
		ua := c.ua
		c.ua = nil
		if err := ua.Stop(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Ошибка остановки агента")
		}
	}
	c.pumpWG.Wait()
}

// HandleEvent применяет событие агента к автомату.
// События прежних поколений и события без перехода возвращают false.
// EventNewSession состояние не меняет и здесь не обрабатывается.
func (c *Channel) HandleEvent(ctx context.Context, evt Event) (Transition, bool) {
	if evt.Generation != c.generation || c.ua == nil {
		c.logger.Debug().
			Uint64("event_generation", evt.Generation).
			Uint64("generation", c.generation).
			Str("type", string(evt.Type)).
			Msg("Событие устаревшего соединения отброшено")
		return Transition{}, false
	}

	var (
		event   string
		lastErr = c.lastErr
	)
	switch evt.Type {
	case signaling.EventConnecting:
		// повторное подключение транспорта внутри библиотеки
		if c.State() == StateConnecting {
			return Transition{}, false
		}
		event = evReconnect
	case signaling.EventConnected:
		event = evTransportOpen
	case signaling.EventRegistered:
		lastErr = nil
		event = evRegistered
	case signaling.EventUnregistered:
		event = evUnregistered
	case signaling.EventRegistrationFailed:
		lastErr = phoneerr.New(phoneerr.CodeRegistrationRejected, "регистрация отклонена").
			WithField("cause", evt.Cause)
		event = evRejected
	case signaling.EventDisconnected:
		if evt.Err != nil {
			lastErr = phoneerr.Wrap(phoneerr.CodeTransportFailure, "транспорт закрыт", evt.Err)
		}
		event = evTransportLost
	default:
		return Transition{}, false
	}

	// registrationFailed и error снимаются только новым Connect
	if !c.sm.Can(event) {
		c.logger.Debug().
			Str("event", event).
			Str("state", c.State().String()).
			Msg("Событие не применимо в текущем состоянии")
		return Transition{}, false
	}

	c.lastErr = lastErr
	if evt.Cause != "" || event == evReconnect {
		c.lastCause = evt.Cause
	}
	return c.fire(ctx, event)
}

// Disconnect останавливает агента и переводит канал в disconnected.
// Идемпотентен.
func (c *Channel) Disconnect(ctx context.Context) (Transition, bool) {
	c.teardown(ctx)
	c.config = nil
	c.lastCause = ""
	c.lastErr = nil
	return c.fire(ctx, evDisconnect)
}

// State текущее состояние
func (c *Channel) State() State {
	return State(c.sm.Current())
}

// Config текущая конфигурация или nil
func (c *Channel) Config() *Config {
	if c.config == nil {
		return nil
	}
	cfg := *c.config
	return &cfg
}

// UserAgent текущий агент или nil
func (c *Channel) UserAgent() signaling.UserAgent {
	return c.ua
}

func (c *Channel) Generation() uint64 {
	return c.generation
}

// LastCause причина последнего перехода, сообщенная библиотекой
func (c *Channel) LastCause() string {
	return c.lastCause
}

// LastError ошибка последнего неуспешного перехода или nil
func (c *Channel) LastError() *phoneerr.Error {
	return c.lastErr
}
