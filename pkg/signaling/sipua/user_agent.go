package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	eventBuffer = 128

	minReconnectDelay = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// userAgent агент поверх sipgo: держит WebSocket транспорт, регистрацию
// и диалоги вызовов.
type userAgent struct {
	lib    *Library
	cfg    signaling.UserAgentConfig
	logger zerolog.Logger

	aor       sip.Uri
	registrar sip.Uri
	transport string
	hostport  string
	hostname  string

	ua            *sipgo.UserAgent
	client        *sipgo.Client
	server        *sipgo.Server
	contact       sip.ContactHeader
	clientDialogs *sipgo.DialogClientCache
	serverDialogs *sipgo.DialogServerCache

	reg *registrar

	mu       sync.Mutex
	events   chan signaling.Event
	closed   bool
	started  bool
	sessions map[string]*session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ signaling.UserAgent = (*userAgent)(nil)

// serverTarget разбирает адрес WebSocket сервера в транспорт sipgo и host:port
func serverTarget(server string) (transport, host string, port int, err error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", "", 0, fmt.Errorf("некорректный адрес сервера: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		transport, port = "WS", 80
	case "wss":
		transport, port = "WSS", 443
	default:
		return "", "", 0, fmt.Errorf("неподдерживаемая схема %q", u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", 0, fmt.Errorf("в адресе сервера нет хоста")
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("некорректный порт %q", p)
		}
	}
	return transport, host, port, nil
}

func newUserAgent(lib *Library, cfg signaling.UserAgentConfig) (*userAgent, error) {
	var aor sip.Uri
	if err := sip.ParseUri(cfg.URI, &aor); err != nil {
		return nil, fmt.Errorf("некорректный URI %q: %w", cfg.URI, err)
	}
	transport, host, port, err := serverTarget(cfg.Server)
	if err != nil {
		return nil, err
	}

	// адрес для Via и Contact: WebSocket клиент не принимает входящих соединений
	hostname := strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".invalid"

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(hostname))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("ошибка создания Client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("ошибка создания Server: %w", err)
	}

	contact := sip.ContactHeader{
		DisplayName: cfg.DisplayName,
		Address: sip.Uri{
			Scheme:    "sip",
			User:      aor.User,
			Host:      hostname,
			UriParams: sip.HeaderParams{"transport": strings.ToLower(transport)},
		},
	}

	u := &userAgent{
		lib:    lib,
		cfg:    cfg,
		logger: lib.logger.With().Str("uri", cfg.URI).Logger(),
		aor:    aor,
		registrar: sip.Uri{
			Scheme:    "sip",
			Host:      aor.Host,
			UriParams: sip.HeaderParams{"transport": strings.ToLower(transport)},
		},
		transport:     transport,
		hostport:      net.JoinHostPort(host, strconv.Itoa(port)),
		hostname:      hostname,
		ua:            ua,
		client:        client,
		server:        server,
		contact:       contact,
		clientDialogs: sipgo.NewDialogClientCache(client, contact),
		serverDialogs: sipgo.NewDialogServerCache(client, contact),
		events:        make(chan signaling.Event, eventBuffer),
		sessions:      make(map[string]*session),
	}
	u.reg = newRegistrar(u)

	server.OnInvite(u.handleInvite)
	server.OnAck(u.handleAck)
	server.OnBye(u.handleBye)
	server.OnCancel(u.handleCancel)
	return u, nil
}

// Start запускает цикл подключения и регистрации
func (u *userAgent) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.New("агент остановлен")
	}
	if u.started {
		return nil
	}
	u.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.wg.Add(1)
	go u.run(runCtx)
	return nil
}

// run подключается и держит регистрацию, переподключаясь с нарастающей задержкой
func (u *userAgent) run(ctx context.Context) {
	defer u.wg.Done()

	delay := minReconnectDelay
	for {
		u.emit(signaling.Event{Type: signaling.EventConnecting})

		err := u.reg.maintain(ctx, func() { delay = minReconnectDelay })
		if ctx.Err() != nil {
			return
		}

		var rejected *rejectedError
		if errors.As(err, &rejected) {
			u.emit(signaling.Event{Type: signaling.EventRegistrationFailed, Cause: rejected.cause(), Err: err})
			<-ctx.Done()
			return
		}

		u.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Транспорт недоступен")
		u.emit(signaling.Event{Type: signaling.EventDisconnected, Cause: signaling.CauseConnectionError, Err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Stop снимает регистрацию, завершает сессии и закрывает транспорт
func (u *userAgent) Stop(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	cancel := u.cancel
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	u.wg.Wait()

	for _, s := range u.activeSessions() {
		if err := s.Terminate(signaling.TerminateOptions{}); err != nil {
			u.logger.Debug().Err(err).Str("session", s.ID()).Msg("Ошибка завершения сессии")
		}
	}

	var stopErr error
	if u.reg.isRegistered() {
		if err := u.reg.unregister(ctx); err != nil {
			stopErr = fmt.Errorf("ошибка снятия регистрации: %w", err)
		} else {
			u.emit(signaling.Event{Type: signaling.EventUnregistered})
		}
	}
	u.emit(signaling.Event{Type: signaling.EventDisconnected})

	u.mu.Lock()
	u.closed = true
	close(u.events)
	u.mu.Unlock()

	if err := u.client.Close(); err != nil {
		u.logger.Debug().Err(err).Msg("Ошибка закрытия клиента")
	}
	if err := u.ua.Close(); err != nil {
		u.logger.Debug().Err(err).Msg("Ошибка закрытия транспорта")
	}
	u.logger.Info().Msg("Агент остановлен")
	return stopErr
}

func (u *userAgent) Events() <-chan signaling.Event {
	return u.events
}

// emit не блокирует: при переполнении событие теряется с предупреждением
func (u *userAgent) emit(evt signaling.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	select {
	case u.events <- evt:
	default:
		u.logger.Warn().Str("type", string(evt.Type)).Msg("Очередь событий агента переполнена")
	}
}

// Call начинает исходящий вызов на target (sip:user@host)
func (u *userAgent) Call(ctx context.Context, target string, opts signaling.CallOptions) (signaling.Session, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("некорректный адрес %q: %w", target, err)
	}
	recipient.UriParams = sip.HeaderParams{"transport": strings.ToLower(u.transport)}

	s, err := newSession(u, signaling.DirectionOutgoing, recipient.User)
	if err != nil {
		return nil, err
	}
	if err := s.attachLocal(opts.LocalStream, opts.Constraints, true); err != nil {
		s.closePeer()
		return nil, err
	}
	offer, err := s.createOffer(ctx)
	if err != nil {
		s.closePeer()
		return nil, err
	}
	s.video = hasVideo(offer)

	from := &sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     u.aor,
		Params:      sip.HeaderParams{"tag": newTag()},
	}
	dlg, err := u.clientDialogs.Invite(ctx, recipient, offer,
		from,
		u.outboundRoute(),
		sip.NewHeader("Content-Type", "application/sdp"),
	)
	if err != nil {
		s.closePeer()
		return nil, fmt.Errorf("ошибка отправки INVITE: %w", err)
	}
	s.clientDialog = dlg
	s.callID = dlg.InviteRequest.CallID().Value()
	u.track(s)

	go s.waitAnswer()
	return s, nil
}

func (u *userAgent) track(s *session) {
	u.mu.Lock()
	u.sessions[s.callID] = s
	u.mu.Unlock()
}

func (u *userAgent) forget(s *session) {
	u.mu.Lock()
	if u.sessions[s.callID] == s {
		delete(u.sessions, s.callID)
	}
	u.mu.Unlock()
}

func (u *userAgent) lookup(req *sip.Request) *session {
	id := req.CallID()
	if id == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[id.Value()]
}

func (u *userAgent) activeSessions() []*session {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		out = append(out, s)
	}
	return out
}

// outboundRoute направляет запросы вне диалога на WebSocket сервер
func (u *userAgent) outboundRoute() *sip.RouteHeader {
	host, portStr, _ := net.SplitHostPort(u.hostport)
	port, _ := strconv.Atoi(portStr)
	return &sip.RouteHeader{Address: sip.Uri{
		Scheme:    "sip",
		Host:      host,
		Port:      port,
		UriParams: sip.HeaderParams{"transport": strings.ToLower(u.transport), "lr": ""},
	}}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
