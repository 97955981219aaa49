package registration

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/phoneerr"
)

// TransportType тип транспорта сигнализации
type TransportType string

const (
	// TransportWS - WebSocket транспорт
	TransportWS TransportType = "WS"
	// TransportWSS - WebSocket Secure транспорт
	TransportWSS TransportType = "WSS"
)

// Config учетные данные и адрес сервера регистрации.
// Конфигурация неизменяема: для смены нужен полный цикл disconnect/connect.
type Config struct {
	Username string `json:"username"`
	Password string `json:"-"`
	Server   string `json:"server"`
	// URI канонический адрес sip:user@host, host берется из Server
	URI string `json:"uri"`

	host      string
	port      int
	transport TransportType
}

// NewConfig проверяет параметры и строит конфигурацию
func NewConfig(username, password, server string) (Config, error) {
	cfg := Config{
		Username: strings.TrimSpace(username),
		Password: password,
		Server:   strings.TrimSpace(server),
	}
	if err := cfg.parse(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) parse() error {
	if c.Username == "" {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "имя пользователя не может быть пустым").
			WithField("field", "username")
	}
	if c.Server == "" {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "адрес сервера не может быть пустым").
			WithField("field", "server")
	}

	u, err := url.Parse(c.Server)
	if err != nil {
		return phoneerr.Wrap(phoneerr.CodeInvalidConfig, "некорректный адрес сервера", err).
			WithField("field", "server")
	}

	switch strings.ToLower(u.Scheme) {
	case "ws":
		c.transport = TransportWS
	case "wss":
		c.transport = TransportWSS
	default:
		return phoneerr.New(phoneerr.CodeInvalidConfig,
			fmt.Sprintf("адрес сервера должен начинаться с ws:// или wss://, получено %q", u.Scheme)).
			WithField("field", "server")
	}

	c.host = u.Hostname()
	if c.host == "" {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "в адресе сервера отсутствует хост").
			WithField("field", "server")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return phoneerr.New(phoneerr.CodeInvalidConfig, fmt.Sprintf("некорректный порт сервера %q", p)).
				WithField("field", "server")
		}
		c.port = port
	}

	uri := sip.Uri{Scheme: "sip", User: c.Username, Host: c.host}
	c.URI = uri.String()
	return nil
}

// Validate повторно проверяет конфигурацию, созданную литералом
func (c *Config) Validate() error {
	return c.parse()
}

// Host хост сервера регистрации
func (c Config) Host() string {
	return c.host
}

// Port порт сервера или порт по умолчанию для схемы
func (c Config) Port() int {
	if c.port != 0 {
		return c.port
	}
	if c.transport == TransportWSS {
		return 443
	}
	return 80
}

// HostPort адрес сервера в виде host:port
func (c Config) HostPort() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.Port()))
}

func (c Config) Transport() TransportType {
	return c.transport
}

// TargetURI строит адрес вызываемого абонента в домене сервера.
// Полные адреса (sip:, sips: или с @) возвращаются без изменений.
func (c Config) TargetURI(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	if strings.Contains(target, "@") {
		return "sip:" + target
	}
	uri := sip.Uri{Scheme: "sip", User: target, Host: c.host}
	return uri.String()
}

// Equal сравнивает учетные данные и адрес сервера
func (c Config) Equal(other Config) bool {
	return c.Username == other.Username && c.Password == other.Password && c.Server == other.Server
}
