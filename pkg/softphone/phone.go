package softphone

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/contacts"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/registration"
	"github.com/arzzra/webphone/pkg/signaling"
)

// ErrClosed возвращается операциями после Close
var ErrClosed = errors.New("софтфон остановлен")

// Config конфигурация софтфона
type Config struct {
	// NoAnswerTimeout время ожидания ответа на вызов
	NoAnswerTimeout time.Duration
	// RegisterExpires запрашиваемый срок регистрации
	RegisterExpires time.Duration
	// UserAgentName значение заголовка User-Agent
	UserAgentName string
	// InboxSize размер очереди сообщений редьюсера
	InboxSize int
	// HistoryLimit максимальное число записей журнала, 0 без ограничения
	HistoryLimit int

	Logger zerolog.Logger
	// Registerer реестр метрик. nil отключает метрики.
	Registerer       prometheus.Registerer
	MetricsNamespace string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		NoAnswerTimeout:  call.DefaultNoAnswerTimeout,
		RegisterExpires:  600 * time.Second,
		UserAgentName:    "webphone",
		InboxSize:        64,
		HistoryLimit:     500,
		Logger:           zerolog.Nop(),
		MetricsNamespace: "webphone",
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.NoAnswerTimeout <= 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "NoAnswerTimeout должен быть больше 0")
	}
	if c.RegisterExpires < time.Minute {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "RegisterExpires должен быть не меньше минуты")
	}
	if c.InboxSize <= 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "InboxSize должен быть больше 0")
	}
	if c.HistoryLimit < 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "HistoryLimit не может быть отрицательным")
	}
	return nil
}

// DialOptions параметры исходящего вызова
type DialOptions struct {
	Video bool
}

type message struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Phone оркестратор софтфона.
//
// Все операции и все события библиотеки выполняются по очереди одной
// горутиной-редьюсером, поэтому компоненты (канал регистрации, вызов, Gate)
// не требуют собственной синхронизации между собой. После каждого сообщения
// публикуется новый снимок State, если состояние изменилось.
type Phone struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics

	gate     *media_gate.Gate
	reg      *registration.Channel
	history  *history.Store
	contacts *contacts.Store

	// доступны только из редьюсера
	active   *call.Session
	lastErr  *phoneerr.Error
	revision uint64

	current atomic.Pointer[State]

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	inbox     chan message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New создает софтфон и запускает редьюсер.
// capturer может быть nil, тогда захват медиа недоступен.
func New(lib signaling.Library, capturer media_gate.Capturer, cfg Config) (*Phone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Phone{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("module", "softphone").Logger(),
		history:  history.NewStore(cfg.HistoryLimit),
		contacts: contacts.NewStore(),
		subs:     make(map[int]chan State),
		inbox:    make(chan message, cfg.InboxSize),
		done:     make(chan struct{}),
	}
	if cfg.Registerer != nil {
		p.metrics = NewMetrics(cfg.MetricsNamespace, cfg.Registerer)
	}
	p.gate = media_gate.NewGate(capturer, media_gate.WithLogger(cfg.Logger))
	p.reg = registration.NewChannel(lib, p.onRegistrationEvent, registration.Options{
		NoAnswerTimeout: cfg.NoAnswerTimeout,
		RegisterExpires: cfg.RegisterExpires,
		UserAgentName:   cfg.UserAgentName,
		Logger:          cfg.Logger,
	})

	initial := p.snapshot()
	p.current.Store(&initial)

	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *Phone) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case m := <-p.inbox:
			err := m.fn(m.ctx)
			p.publish()
			if m.reply != nil {
				m.reply <- err
			}
		}
	}
}

// do выполняет fn в редьюсере и ждет результата
func (p *Phone) do(ctx context.Context, fn func(ctx context.Context) error) error {
	m := message{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case p.inbox <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-m.reply:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// post ставит fn в очередь редьюсера без ожидания результата.
// Ожидание места в очереди прекращается при отмене ctx.
func (p *Phone) post(ctx context.Context, fn func(ctx context.Context)) {
	m := message{
		ctx: context.Background(),
		fn: func(ctx context.Context) error {
			fn(ctx)
			return nil
		},
	}
	select {
	case p.inbox <- m:
	case <-ctx.Done():
	case <-p.done:
	}
}

// fail запоминает ошибку для пользователя и возвращает ее вызывающему
func (p *Phone) fail(err error, fallback phoneerr.Code) error {
	if err == nil {
		return nil
	}
	perr := phoneerr.From(err, fallback)
	p.lastErr = perr
	p.metrics.errorReported(perr.Code.String())
	p.logger.Warn().Err(perr).Str("code", perr.Code.String()).Msg("Операция завершилась ошибкой")
	return perr
}

// Connect подключается к серверу с конфигурацией cfg.
// Прежнее подключение и активный вызов завершаются.
func (p *Phone) Connect(ctx context.Context, cfg registration.Config) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		if p.active != nil {
			p.endActive(ctx)
		}
		tr, err := p.reg.Connect(ctx, cfg)
		if tr.To != "" {
			p.metrics.registrationTransition(tr.To)
		}
		return p.fail(err, phoneerr.CodeTransportFailure)
	})
}

// Disconnect закрывает подключение, завершает вызов и освобождает медиа.
// Идемпотентен.
func (p *Phone) Disconnect(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		p.disconnect(ctx)
		return nil
	})
}

func (p *Phone) disconnect(ctx context.Context) {
	if p.active != nil {
		p.endActive(ctx)
	}
	if tr, ok := p.reg.Disconnect(ctx); ok {
		p.metrics.registrationTransition(tr.To)
	}
	p.gate.Release()
}

// RequestPermission запрашивает доступ к микрофону и камере
func (p *Phone) RequestPermission(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		_, err := p.requestPermission(ctx)
		return err
	})
}

func (p *Phone) requestPermission(ctx context.Context) (*media_gate.Stream, error) {
	if stream := p.gate.Stream(); stream != nil {
		return stream, nil
	}
	stream, err := p.gate.RequestPermission(ctx)
	p.metrics.permissionRequest(err)
	if err != nil {
		return nil, p.fail(err, phoneerr.CodePermissionDenied)
	}
	return stream, nil
}

// Dial звонит абоненту target. Номер дополняется доменом сервера.
func (p *Phone) Dial(ctx context.Context, target string, opts DialOptions) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		if p.active != nil {
			return p.fail(phoneerr.New(phoneerr.CodeCallAlreadyInProgress, "нельзя начать второй вызов").
				WithField("call_id", p.active.ID()), phoneerr.CodeCallAlreadyInProgress)
		}
		target = strings.TrimSpace(target)
		if target == "" {
			return p.fail(phoneerr.New(phoneerr.CodeCallInitiationFailed, "не указан номер абонента"),
				phoneerr.CodeCallInitiationFailed)
		}
		cfg := p.reg.Config()
		if p.reg.State() != registration.StateRegistered || cfg == nil {
			return p.fail(phoneerr.New(phoneerr.CodeNotRegistered, "клиент не зарегистрирован").
				WithField("state", p.reg.State().String()), phoneerr.CodeNotRegistered)
		}

		stream, err := p.requestPermission(ctx)
		if err != nil {
			return err
		}

		s, err := call.Originate(ctx, p.reg.UserAgent(), cfg.TargetURI(target),
			call.MediaPrefs{Video: opts.Video}, stream, p.callOptions())
		if err != nil {
			return p.fail(err, phoneerr.CodeCallInitiationFailed)
		}
		p.active = s
		p.metrics.callActive(true)
		return nil
	})
}

// Answer отвечает на входящий вызов
func (p *Phone) Answer(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		if p.active == nil {
			return p.fail(phoneerr.New(phoneerr.CodeNoActiveCall, "нет активного вызова"), phoneerr.CodeNoActiveCall)
		}
		info := p.active.Info()
		if info.Direction != signaling.DirectionIncoming || info.Status != call.StatusRinging {
			return p.fail(phoneerr.New(phoneerr.CodeCallAlreadyInProgress, "вызов уже идет").
				WithField("status", info.Status.String()), phoneerr.CodeCallAlreadyInProgress)
		}

		stream, err := p.requestPermission(ctx)
		if err != nil {
			return err
		}

		if err := p.active.Accept(ctx, stream); err != nil {
			if p.active.Status().IsTerminal() {
				p.finishActive()
			}
			return p.fail(err, phoneerr.CodeNegotiationFailed)
		}
		return nil
	})
}

// HangUp завершает или отклоняет текущий вызов.
// Слот вызова освобождается сразу, библиотека завершает сессию в фоне.
func (p *Phone) HangUp(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		if p.active == nil {
			return p.fail(phoneerr.New(phoneerr.CodeNoActiveCall, "нет активного вызова"), phoneerr.CodeNoActiveCall)
		}
		p.endActive(ctx)
		return nil
	})
}

// endActive завершает активный вызов и освобождает слот
func (p *Phone) endActive(ctx context.Context) {
	opts, err := p.active.Terminate()
	if err != nil {
		p.logger.Debug().Err(err).Msg("Вызов уже завершен")
	} else {
		p.logger.Info().
			Str("call_id", p.active.ID()).
			Int("status_code", opts.StatusCode).
			Msg("Вызов завершен локально")
	}
	p.finishActive()
}

// finishActive записывает итог вызова в журнал и освобождает слот
func (p *Phone) finishActive() {
	s := p.active
	p.active = nil
	s.Close()

	info := s.Info()
	rec := p.history.Add(history.FromCall(info, p.contacts))
	p.metrics.callActive(false)
	p.metrics.callFinished(info.Direction, rec.Outcome, rec.Duration)

	p.logger.Info().
		Str("call_id", info.ID).
		Str("status", info.Status.String()).
		Str("outcome", string(rec.Outcome)).
		Str("cause", info.Cause).
		Dur("duration", rec.Duration).
		Msg("Вызов завершен")
}

// ToggleMute переключает микрофон. Возвращает новое значение mute.
//
// Флаг треков и сигнализация сессии меняются вместе: если сессия не
// приняла изменение, флаг треков возвращается обратно.
func (p *Phone) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		enabled, err := p.toggle(media_gate.KindAudio)
		muted = !enabled
		return err
	})
	return muted, err
}

// ToggleVideo переключает камеру. Возвращает новое значение флага видео.
func (p *Phone) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	err := p.do(ctx, func(ctx context.Context) error {
		p.lastErr = nil
		var err error
		enabled, err = p.toggle(media_gate.KindVideo)
		return err
	})
	return enabled, err
}

// toggle инвертирует флаг треков вида kind и возвращает итоговое значение
func (p *Phone) toggle(kind media_gate.Kind) (bool, error) {
	set := p.gate.SetAudioEnabled
	prev := p.gate.AudioEnabled()
	if kind == media_gate.KindVideo {
		set = p.gate.SetVideoEnabled
		prev = p.gate.VideoEnabled()
	}
	if p.gate.Stream() == nil {
		return prev, nil
	}

	next := set(!prev)
	if p.active != nil && !p.active.Status().IsTerminal() {
		if err := p.active.SetMuted(kind, !next); err != nil {
			set(prev)
			return prev, p.fail(phoneerr.Wrap(phoneerr.CodeNegotiationFailed,
				"сессия не приняла изменение медиа", err).WithField("kind", kind.String()),
				phoneerr.CodeNegotiationFailed)
		}
	}
	return next, nil
}

func (p *Phone) callOptions() call.Options {
	return call.Options{
		NoAnswerTimeout: p.cfg.NoAnswerTimeout,
		Sink:            p.onCallEvent,
		Logger:          p.cfg.Logger,
	}
}

// onRegistrationEvent вызывается горутиной канала регистрации
func (p *Phone) onRegistrationEvent(ctx context.Context, evt registration.Event) {
	p.post(ctx, func(ctx context.Context) {
		p.handleRegistrationEvent(ctx, evt)
	})
}

func (p *Phone) handleRegistrationEvent(ctx context.Context, evt registration.Event) {
	if evt.Type == signaling.EventNewSession {
		p.handleIncoming(evt)
		return
	}

	tr, ok := p.reg.HandleEvent(ctx, evt)
	if !ok {
		return
	}
	p.metrics.registrationTransition(tr.To)

	switch tr.To {
	case registration.StateRegistrationFailed, registration.StateError:
		if err := p.reg.LastError(); err != nil {
			p.fail(err, phoneerr.CodeRegistrationRejected)
		}
	case registration.StateDisconnected:
		if err := p.reg.LastError(); err != nil {
			p.fail(err, phoneerr.CodeTransportFailure)
		}
	}
}

// handleIncoming принимает входящую сессию в свободный слот.
// При занятом слоте сессия отклоняется ответом 486.
func (p *Phone) handleIncoming(evt registration.Event) {
	sess := evt.Session
	if sess == nil {
		return
	}

	if evt.Generation != p.reg.Generation() || p.reg.UserAgent() == nil {
		p.logger.Debug().Str("session_id", sess.ID()).Msg("Входящая сессия устаревшего соединения отклонена")
		go sess.Terminate(signaling.TerminateOptions{StatusCode: signaling.StatusUnavailable})
		return
	}

	if p.active != nil {
		p.logger.Info().
			Str("session_id", sess.ID()).
			Str("remote", sess.RemoteIdentity()).
			Msg("Входящий вызов отклонен: линия занята")
		go func() {
			err := sess.Terminate(signaling.TerminateOptions{StatusCode: signaling.StatusBusyHere, Reason: signaling.ReasonBusyHere})
			if err != nil {
				p.logger.Warn().Err(err).Msg("Ошибка отклонения входящего вызова")
			}
		}()

		rec := history.FromCall(call.Info{
			Direction:      signaling.DirectionIncoming,
			RemoteIdentity: sess.RemoteIdentity(),
			Video:          sess.HasVideo(),
			StartedAt:      time.Now(),
		}, p.contacts)
		rec.Outcome = history.OutcomeBusy
		p.history.Add(rec)
		p.metrics.callFinished(signaling.DirectionIncoming, history.OutcomeBusy, 0)
		return
	}

	p.active = call.NewIncoming(sess, p.callOptions())
	p.metrics.callActive(true)
}

// onCallEvent вызывается горутинами активного вызова
func (p *Phone) onCallEvent(ctx context.Context, evt call.Event) {
	p.post(ctx, func(ctx context.Context) {
		p.handleCallEvent(evt)
	})
}

func (p *Phone) handleCallEvent(evt call.Event) {
	if p.active == nil || p.active.ID() != evt.CallID {
		return
	}
	if !p.active.HandleEvent(evt) {
		return
	}
	if evt.Session.Type == signaling.SessionTrack && evt.Session.Track != nil {
		p.metrics.remoteTrack(evt.Session.Track.Kind())
	}
	if p.active.Status().IsTerminal() {
		if evt.Timeout {
			p.fail(phoneerr.New(phoneerr.CodeCallInitiationFailed, "абонент не ответил"),
				phoneerr.CodeCallInitiationFailed)
		}
		p.finishActive()
	}
}

func (p *Phone) snapshot() State {
	media := p.gate.Snapshot()
	s := State{
		RegistrationState:  p.reg.State(),
		RegistrationConfig: p.reg.Config(),
		RegistrationCause:  p.reg.LastCause(),
		LocalStream:        media.Stream,
		Permission:         media.Permission,
		PermissionGranted:  media.Permission == media_gate.PermissionGranted,
		AudioMuted:         !media.AudioEnabled,
		VideoEnabled:       media.VideoEnabled,
		LastError:          p.lastErr,
	}
	if p.active != nil {
		info := p.active.Info()
		s.ActiveCall = &info
		s.RemoteStream = p.active.RemoteStream()
		if s.RemoteStream != nil {
			s.remoteTracks = s.RemoteStream.Len()
		}
	}
	return s
}

// publish публикует новый снимок, если состояние изменилось
func (p *Phone) publish() {
	next := p.snapshot()
	prev := p.current.Load()
	if prev != nil && prev.sameAs(next) {
		return
	}
	p.revision++
	next.Revision = p.revision
	p.current.Store(&next)

	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		deliverLatest(ch, next)
	}
}

// deliverLatest кладет s в канал емкости 1, вытесняя непрочитанный снимок
func deliverLatest(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// State возвращает последний опубликованный снимок
func (p *Phone) State() State {
	return *p.current.Load()
}

// Subscribe подписывает на снимки состояния. Канал сразу получает текущий
// снимок, медленный подписчик видит только последний. Функция отмены
// закрывает канал.
func (p *Phone) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	ch <- *p.current.Load()
	p.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// History журнал вызовов
func (p *Phone) History() *history.Store {
	return p.history
}

// Contacts адресная книга, из которой журнал берет имена
func (p *Phone) Contacts() *contacts.Store {
	return p.contacts
}

// Close отключается от сервера и останавливает редьюсер.
// Подписки закрываются.
func (p *Phone) Close(ctx context.Context) error {
	err := p.Disconnect(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()

	p.subMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subMu.Unlock()
	return err
}
