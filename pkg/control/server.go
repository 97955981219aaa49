package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/contacts"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/registration"
	"github.com/arzzra/webphone/pkg/softphone"
)

// Phone операции софтфона, доступные интерфейсу
type Phone interface {
	State() softphone.State
	Subscribe() (<-chan softphone.State, func())
	Connect(ctx context.Context, cfg registration.Config) error
	Disconnect(ctx context.Context) error
	RequestPermission(ctx context.Context) error
	Dial(ctx context.Context, target string, opts softphone.DialOptions) error
	Answer(ctx context.Context) error
	HangUp(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	History() *history.Store
	Contacts() *contacts.Store
}

var _ Phone = (*softphone.Phone)(nil)

// Options параметры сервера
type Options struct {
	// Mode режим gin: release, debug или test
	Mode string
	// PingPeriod период ping для WebSocket клиентов
	PingPeriod time.Duration
	// Gatherer источник метрик для /metrics. nil отключает эндпоинт.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server HTTP интерфейс управления софтфоном
type Server struct {
	ctx      context.Context
	phone    Phone
	opts     Options
	logger   zerolog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New создает сервер. ctx ограничивает время жизни WebSocket соединений.
func New(ctx context.Context, phone Phone, opts Options) *Server {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	s := &Server{
		ctx:    ctx,
		phone:  phone,
		opts:   opts,
		logger: opts.Logger.With().Str("module", "control").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.setupRouter()
	return s
}

// Handler возвращает http.Handler для http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRouter() *gin.Engine {
	switch s.opts.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if s.opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/state", s.getState)
	api.POST("/connect", s.connect)
	api.POST("/disconnect", s.action(s.phone.Disconnect))
	api.POST("/permission", s.action(s.phone.RequestPermission))
	api.POST("/dial", s.dial)
	api.POST("/answer", s.action(s.phone.Answer))
	api.POST("/hangup", s.action(s.phone.HangUp))
	api.POST("/mute", s.toggle(s.phone.ToggleMute, "muted"))
	api.POST("/video", s.toggle(s.phone.ToggleVideo, "enabled"))
	api.GET("/history", s.listHistory)
	api.DELETE("/history/:id", s.deleteHistory)
	api.DELETE("/history", s.clearHistory)

	book := api.Group("/contacts")
	book.GET("", s.listContacts)
	book.POST("", s.addContact)
	book.PUT("/:id", s.updateContact)
	book.DELETE("/:id", s.deleteContact)
	book.POST("/:id/favorite", s.toggleFavorite)
	book.POST("/:id/call", s.callContact)

	api.GET("/ws", s.stream)

	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	s.logger.Info().Str("mode", s.opts.Mode).Msg("Маршруты настроены")
	return r
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, NewStateView(s.phone.State()))
}

type connectRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
	Server   string `json:"server" binding:"required"`
}

func (s *Server) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, phoneerr.Wrap(phoneerr.CodeInvalidConfig, "некорректный запрос", err))
		return
	}
	cfg, err := registration.NewConfig(req.Username, req.Password, req.Server)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.phone.Connect(c.Request.Context(), cfg); err != nil {
		s.respondError(c, err)
		return
	}
	s.getState(c)
}

type dialRequest struct {
	Target string `json:"target" binding:"required"`
	Video  bool   `json:"video"`
}

func (s *Server) dial(c *gin.Context) {
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, phoneerr.Wrap(phoneerr.CodeCallInitiationFailed, "некорректный запрос", err))
		return
	}
	if err := s.phone.Dial(c.Request.Context(), req.Target, softphone.DialOptions{Video: req.Video}); err != nil {
		s.respondError(c, err)
		return
	}
	s.getState(c)
}

// action оборачивает операцию без параметров
func (s *Server) action(op func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			s.respondError(c, err)
			return
		}
		s.getState(c)
	}
}

func (s *Server) toggle(op func(ctx context.Context) (bool, error), field string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, err := op(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{field: value, "state": NewStateView(s.phone.State())})
	}
}

func (s *Server) listHistory(c *gin.Context) {
	records := s.phone.History().List(history.Filter{
		Search:  c.Query("q"),
		Type:    history.CallType(c.Query("type")),
		Outcome: c.Query("outcome"),
	})
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) deleteHistory(c *gin.Context) {
	if !s.phone.History().Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "запись не найдена"}})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearHistory(c *gin.Context) {
	s.phone.History().Clear()
	c.Status(http.StatusNoContent)
}

type contactRequest struct {
	Name     string `json:"name" binding:"required"`
	Number   string `json:"number" binding:"required"`
	Email    string `json:"email"`
	Favorite bool   `json:"favorite"`
}

func (r contactRequest) contact(id string) contacts.Contact {
	return contacts.Contact{ID: id, Name: r.Name, Number: r.Number, Email: r.Email, Favorite: r.Favorite}
}

func (s *Server) listContacts(c *gin.Context) {
	list := s.phone.Contacts().List(contacts.Filter{
		Search:    c.Query("q"),
		Favorites: c.Query("favorites") == "true",
	})
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

func (s *Server) addContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondContactError(c, fmt.Errorf("%w: %v", contacts.ErrInvalid, err))
		return
	}
	added, err := s.phone.Contacts().Add(req.contact(""))
	if err != nil {
		s.respondContactError(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (s *Server) updateContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondContactError(c, fmt.Errorf("%w: %v", contacts.ErrInvalid, err))
		return
	}
	updated, err := s.phone.Contacts().Update(req.contact(c.Param("id")))
	if err != nil {
		s.respondContactError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteContact(c *gin.Context) {
	if !s.phone.Contacts().Delete(c.Param("id")) {
		s.respondContactError(c, contacts.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleFavorite(c *gin.Context) {
	contact, err := s.phone.Contacts().ToggleFavorite(c.Param("id"))
	if err != nil {
		s.respondContactError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

type callContactRequest struct {
	Video bool `json:"video"`
}

// callContact звонит на номер контакта
func (s *Server) callContact(c *gin.Context) {
	contact, ok := s.phone.Contacts().Get(c.Param("id"))
	if !ok {
		s.respondContactError(c, contacts.ErrNotFound)
		return
	}
	var req callContactRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, phoneerr.Wrap(phoneerr.CodeCallInitiationFailed, "некорректный запрос", err))
			return
		}
	}
	if err := s.phone.Dial(c.Request.Context(), contact.DialTarget(), softphone.DialOptions{Video: req.Video}); err != nil {
		s.respondError(c, err)
		return
	}
	s.getState(c)
}

func (s *Server) respondContactError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, contacts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": err.Error()}})
	case errors.Is(err, contacts.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "INVALID_CONTACT", "message": err.Error()}})
	default:
		s.respondError(c, err)
	}
}

// StatusFor переводит код ошибки в HTTP статус
func StatusFor(code phoneerr.Code) int {
	switch code {
	case phoneerr.CodeInvalidConfig:
		return http.StatusBadRequest
	case phoneerr.CodeNoActiveCall:
		return http.StatusNotFound
	case phoneerr.CodeCallAlreadyInProgress, phoneerr.CodeNotRegistered, phoneerr.CodeInvalidState:
		return http.StatusConflict
	case phoneerr.CodePermissionDenied, phoneerr.CodeDeviceUnsupported:
		return http.StatusForbidden
	case phoneerr.CodeSignalingLibraryUnavailable, phoneerr.CodeTransportFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, softphone.ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "CLOSED", "message": err.Error()}})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": gin.H{"code": "TIMEOUT", "message": err.Error()}})
		return
	}
	perr := phoneerr.From(err, phoneerr.CodeInvalidState)
	status := StatusFor(perr.Code)
	s.logger.Debug().Err(err).Int("status", status).Str("path", c.FullPath()).Msg("Запрос завершился ошибкой")
	c.JSON(status, gin.H{"error": newErrorView(perr)})
}
