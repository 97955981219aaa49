package sipua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/signaling"
)

func respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	_ = tx.Respond(res)
}

// handleInvite обрабатывает входящий INVITE
func (u *userAgent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if existing := u.lookup(req); existing != nil {
		// re-INVITE с изменением медиа не поддерживается
		respond(tx, req, 488, "Not Acceptable Here")
		return
	}

	dlg, err := u.serverDialogs.ReadInvite(req, tx)
	if err != nil {
		u.logger.Warn().Err(err).Msg("Ошибка чтения INVITE")
		respond(tx, req, 500, "Server Internal Error")
		return
	}

	remote := req.From().Address.User
	s, err := newSession(u, signaling.DirectionIncoming, remote)
	if err != nil {
		u.logger.Error().Err(err).Msg("Ошибка создания сессии")
		_ = dlg.Respond(500, "Server Internal Error", nil)
		return
	}
	s.serverDialog = dlg
	s.inviteTx = tx
	s.offer = req.Body()
	s.video = hasVideo(s.offer)
	s.callID = req.CallID().Value()
	u.track(s)

	if err := dlg.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		s.logger.Debug().Err(err).Msg("Ошибка отправки 100 Trying")
	}
	if err := dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		s.logger.Warn().Err(err).Msg("Ошибка отправки 180 Ringing")
	}

	s.logger.Info().Bool("video", s.video).Msg("Входящий вызов")
	u.emit(signaling.Event{Type: signaling.EventNewSession, Session: s})
	go s.watchRinging()
}

// handleAck подтверждение входящего вызова
func (u *userAgent) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s := u.lookup(req)
	if s == nil || s.serverDialog == nil {
		return
	}
	if err := u.serverDialogs.ReadAck(req, tx); err != nil {
		s.logger.Debug().Err(err).Msg("Ошибка чтения ACK")
		return
	}
	s.ackReceived()
}

// handleBye завершение вызова удаленной стороной
func (u *userAgent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s := u.lookup(req)
	if s == nil {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	var err error
	if s.serverDialog != nil {
		err = u.serverDialogs.ReadBye(req, tx)
	} else {
		err = u.clientDialogs.ReadBye(req, tx)
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("Ошибка чтения BYE")
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.remoteEnded(signaling.CauseBye)
}

// handleCancel отмена входящего вызова до ответа
func (u *userAgent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s := u.lookup(req)
	if s == nil {
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	respond(tx, req, 200, "OK")

	s.mu.Lock()
	ringing := s.state == stateRinging
	if ringing {
		s.state = stateEnded
	}
	s.mu.Unlock()
	if !ringing {
		return
	}
	s.reject(487, "Request Terminated")
	s.finish(signaling.SessionFailed, signaling.CauseCanceled, signaling.OriginatorRemote)
}
