package sipua

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/signaling"
)

const (
	registerTimeout   = 10 * time.Second
	minRefreshMargin  = 5 * time.Second
	defaultExpiration = 600 * time.Second
)

// rejectedError сервер ответил на REGISTER окончательным отказом
type rejectedError struct {
	status int
	reason string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("регистрация отклонена: %d %s", e.status, e.reason)
}

func (e *rejectedError) cause() string {
	return signaling.CauseFromStatus(e.status)
}

// registrar отправляет REGISTER и продлевает регистрацию.
// Call-ID сохраняется между продлениями, CSeq растет.
type registrar struct {
	u       *userAgent
	callID  sip.CallIDHeader
	fromTag string

	mu         sync.Mutex
	cseq       uint32
	registered bool
}

func newRegistrar(u *userAgent) *registrar {
	return &registrar{
		u:       u,
		callID:  sip.CallIDHeader(uuid.NewString()),
		fromTag: newTag(),
	}
}

func (r *registrar) isRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

func (r *registrar) setRegistered(v bool) {
	r.mu.Lock()
	r.registered = v
	r.mu.Unlock()
}

// maintain регистрируется и продлевает регистрацию до отмены ctx.
// Возвращает ошибку транспорта или *rejectedError.
func (r *registrar) maintain(ctx context.Context, onRegistered func()) error {
	expires, err := r.register(ctx, r.u.cfg.RegisterExpires)
	if err != nil {
		if _, rejected := err.(*rejectedError); rejected {
			// сервер ответил, значит транспорт открыт
			r.u.emit(signaling.Event{Type: signaling.EventConnected})
		}
		return err
	}
	r.u.emit(signaling.Event{Type: signaling.EventConnected})
	r.u.emit(signaling.Event{Type: signaling.EventRegistered})
	if onRegistered != nil {
		onRegistered()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(refreshInterval(expires)):
		}

		expires, err = r.register(ctx, r.u.cfg.RegisterExpires)
		if err != nil {
			if _, rejected := err.(*rejectedError); !rejected && ctx.Err() == nil {
				r.u.emit(signaling.Event{Type: signaling.EventUnregistered, Cause: signaling.CauseConnectionError})
			}
			return err
		}
		r.u.logger.Debug().Dur("expires", expires).Msg("Регистрация продлена")
	}
}

// refreshInterval продление за половину срока, но не позже чем за
// minRefreshMargin до истечения
func refreshInterval(expires time.Duration) time.Duration {
	if expires <= 0 {
		expires = defaultExpiration
	}
	interval := expires / 2
	if expires-interval < minRefreshMargin {
		interval = expires - minRefreshMargin
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (r *registrar) unregister(ctx context.Context) error {
	_, err := r.register(ctx, 0)
	r.setRegistered(false)
	if err == nil {
		r.u.logger.Info().Msg("Регистрация снята")
	}
	return err
}

// register отправляет REGISTER с нужным сроком и при необходимости
// повторяет его с digest авторизацией. Возвращает срок, выданный сервером.
func (r *registrar) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req := r.buildRequest(expires)
	res, err := r.u.client.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("ошибка отправки REGISTER: %w", err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		authUser := r.u.cfg.AuthorizationUser
		if authUser == "" {
			authUser = r.u.aor.User
		}
		res, err = r.u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: authUser,
			Password: r.u.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("ошибка авторизации REGISTER: %w", err)
		}
		// DoDigestAuth увеличивает CSeq на копии запроса
		r.mu.Lock()
		r.cseq++
		r.mu.Unlock()
	}

	if res.StatusCode != sip.StatusOK {
		r.setRegistered(false)
		return 0, &rejectedError{status: int(res.StatusCode), reason: res.Reason}
	}

	granted := expires
	if h := res.GetHeader("Expires"); h != nil {
		if sec, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && sec > 0 {
			granted = time.Duration(sec) * time.Second
		}
	}
	r.setRegistered(expires > 0)
	return granted, nil
}

func (r *registrar) buildRequest(expires time.Duration) *sip.Request {
	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	r.mu.Unlock()

	u := r.u
	req := sip.NewRequest(sip.REGISTER, u.registrar)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     u.aor,
		Params:      sip.HeaderParams{"tag": r.fromTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: u.aor})
	callID := r.callID
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})

	contact := u.contact.Clone()
	req.AppendHeader(contact)
	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)

	req.SetTransport(u.transport)
	req.SetDestination(u.hostport)
	return req
}
