package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/arzzra/webphone/pkg/softphone"
)

const writeWait = 5 * time.Second

// stream отдает клиенту снимки состояния по WebSocket. Подписка сразу
// содержит текущий снимок, дальше приходит каждое изменение.
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ошибка перехода на WebSocket")
		return
	}
	updates, cancel := s.phone.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(s.ctx)
	defer stop()

	s.logger.Info().Str("remote", c.Request.RemoteAddr).Msg("Поток состояния открыт")
	go s.readPump(ctx, stop, conn)
	s.writePump(ctx, conn, updates)
	_ = conn.Close()
	s.logger.Info().Str("remote", c.Request.RemoteAddr).Msg("Поток состояния закрыт")
}

// readPump нужен для обработки control фреймов. Входящие сообщения игнорируются.
func (s *Server) readPump(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn) {
	defer stop()
	pongWait := s.opts.PingPeriod * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, updates <-chan softphone.State) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := s.writeState(conn, st); err != nil {
				s.logger.Debug().Err(err).Msg("Ошибка записи в WebSocket")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeState(conn *websocket.Conn, st softphone.State) error {
	data, err := json.Marshal(NewStateView(st))
	if err != nil {
		s.logger.Error().Err(err).Msg("Ошибка сериализации состояния")
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
