package control

import (
	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/softphone"
)

// StateView представление состояния софтфона для интерфейса
type StateView struct {
	Revision     uint64           `json:"revision"`
	Registration RegistrationView `json:"registration"`
	Call         *call.Info       `json:"call"`
	Media        MediaView        `json:"media"`
	Error        *ErrorView       `json:"error,omitempty"`
}

type RegistrationView struct {
	State      string `json:"state"`
	Registered bool   `json:"registered"`
	URI        string `json:"uri,omitempty"`
	Server     string `json:"server,omitempty"`
	Username   string `json:"username,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

type MediaView struct {
	Permission   media_gate.Permission `json:"permission"`
	AudioMuted   bool                  `json:"audio_muted"`
	VideoEnabled bool                  `json:"video_enabled"`
	Local        []TrackView           `json:"local"`
	Remote       []TrackView           `json:"remote"`
}

type TrackView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// ErrorView ошибка для пользователя. Причина (Cause) наружу не отдается.
type ErrorView struct {
	Code      phoneerr.Code     `json:"code"`
	Message   string            `json:"message"`
	Category  phoneerr.Category `json:"category"`
	Severity  phoneerr.Severity `json:"severity"`
	Retryable bool              `json:"retryable"`
}

// NewStateView строит представление снимка. Пароль не попадает в вывод.
func NewStateView(st softphone.State) StateView {
	v := StateView{
		Revision: st.Revision,
		Registration: RegistrationView{
			State:      st.RegistrationState.String(),
			Registered: st.Registered(),
			Cause:      st.RegistrationCause,
		},
		Call: st.ActiveCall,
		Media: MediaView{
			Permission:   st.Permission,
			AudioMuted:   st.AudioMuted,
			VideoEnabled: st.VideoEnabled,
			Local:        tracksOf(st.LocalStream),
			Remote:       tracksOf(st.RemoteStream),
		},
		Error: newErrorView(st.LastError),
	}
	if cfg := st.RegistrationConfig; cfg != nil {
		v.Registration.URI = cfg.URI
		v.Registration.Server = cfg.Server
		v.Registration.Username = cfg.Username
	}
	return v
}

func newErrorView(err *phoneerr.Error) *ErrorView {
	if err == nil {
		return nil
	}
	return &ErrorView{
		Code:      err.Code,
		Message:   err.Message,
		Category:  err.Category,
		Severity:  err.Severity,
		Retryable: err.Retryable,
	}
}

func tracksOf(s *media_gate.Stream) []TrackView {
	out := []TrackView{}
	if s == nil {
		return out
	}
	for _, t := range s.Tracks() {
		out = append(out, TrackView{ID: t.ID(), Kind: t.Kind().String(), Enabled: t.Enabled()})
	}
	return out
}
