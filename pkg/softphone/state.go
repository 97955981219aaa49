package softphone

import (
	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/registration"
)

// State неизменяемый снимок состояния софтфона.
// Каждое изменение публикуется новым снимком с большим Revision.
type State struct {
	Revision uint64

	RegistrationState  registration.State
	RegistrationConfig *registration.Config
	RegistrationCause  string

	// ActiveCall nil, если вызова нет. Терминальные вызовы сюда не попадают.
	ActiveCall   *call.Info
	LocalStream  *media_gate.Stream
	RemoteStream *media_gate.Stream

	Permission        media_gate.Permission
	PermissionGranted bool
	AudioMuted        bool
	VideoEnabled      bool

	// LastError последняя ошибка, о которой нужно сообщить пользователю
	LastError *phoneerr.Error

	remoteTracks int
}

// Registered сообщает, можно ли совершать вызовы
func (s State) Registered() bool {
	return s.RegistrationState == registration.StateRegistered
}

// sameAs сравнивает снимки без учета Revision
func (s State) sameAs(o State) bool {
	if s.RegistrationState != o.RegistrationState ||
		s.RegistrationCause != o.RegistrationCause ||
		s.LocalStream != o.LocalStream ||
		s.RemoteStream != o.RemoteStream ||
		s.remoteTracks != o.remoteTracks ||
		s.Permission != o.Permission ||
		s.AudioMuted != o.AudioMuted ||
		s.VideoEnabled != o.VideoEnabled ||
		s.LastError != o.LastError {
		return false
	}
	if (s.RegistrationConfig == nil) != (o.RegistrationConfig == nil) {
		return false
	}
	if s.RegistrationConfig != nil && !s.RegistrationConfig.Equal(*o.RegistrationConfig) {
		return false
	}
	if (s.ActiveCall == nil) != (o.ActiveCall == nil) {
		return false
	}
	return s.ActiveCall == nil || *s.ActiveCall == *o.ActiveCall
}
