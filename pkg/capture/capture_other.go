//go:build !linux || !cgo

package capture

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
)

// Capturer на этой платформе захват не поддерживает
type Capturer struct {
	opts Options
}

func New(opts Options) (*Capturer, error) {
	return &Capturer{opts: opts}, nil
}

func (c *Capturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *Capturer) Devices() []string { return nil }

func (c *Capturer) GetUserMedia(ctx context.Context, _ media_gate.Constraints) (*media_gate.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, phoneerr.New(phoneerr.CodeDeviceUnsupported, "захват медиа на этой платформе не поддерживается")
}

var _ media_gate.Capturer = (*Capturer)(nil)
