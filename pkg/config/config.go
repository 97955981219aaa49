package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arzzra/webphone/pkg/contacts"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/registration"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "WEBPHONE"

// SIPConfig параметры подключения к серверу
type SIPConfig struct {
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Server          string        `mapstructure:"server"`
	AutoConnect     bool          `mapstructure:"auto_connect"`
	NoAnswerTimeout time.Duration `mapstructure:"no_answer_timeout"`
	RegisterExpires time.Duration `mapstructure:"register_expires"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// HTTPConfig параметры управляющего HTTP сервера
type HTTPConfig struct {
	Addr       string        `mapstructure:"addr"`
	Mode       string        `mapstructure:"mode"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

// MediaConfig параметры медиа
type MediaConfig struct {
	ICEServers  []string `mapstructure:"ice_servers"`
	VideoWidth  int      `mapstructure:"video_width"`
	VideoHeight int      `mapstructure:"video_height"`
}

// Config конфигурация приложения
type Config struct {
	SIP          SIPConfig      `mapstructure:"sip"`
	HTTP         HTTPConfig     `mapstructure:"http"`
	Log          logging.Config `mapstructure:"log"`
	Media        MediaConfig    `mapstructure:"media"`
	HistoryLimit int            `mapstructure:"history_limit"`
	// Contacts начальная адресная книга
	Contacts []contacts.Contact `mapstructure:"contacts"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		SIP: SIPConfig{
			NoAnswerTimeout: 60 * time.Second,
			RegisterExpires: 600 * time.Second,
			UserAgent:       "webphone",
		},
		HTTP: HTTPConfig{
			Addr:       "127.0.0.1:8080",
			Mode:       "release",
			PingPeriod: 54 * time.Second,
		},
		Log: logging.DefaultConfig(),
		Media: MediaConfig{
			ICEServers:  []string{"stun:stun.l.google.com:19302"},
			VideoWidth:  640,
			VideoHeight: 480,
		},
		HistoryLimit: 500,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("sip.username", "")
	v.SetDefault("sip.password", "")
	v.SetDefault("sip.server", "")
	v.SetDefault("sip.auto_connect", false)
	v.SetDefault("sip.no_answer_timeout", d.SIP.NoAnswerTimeout)
	v.SetDefault("sip.register_expires", d.SIP.RegisterExpires)
	v.SetDefault("sip.user_agent", d.SIP.UserAgent)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.mode", d.HTTP.Mode)
	v.SetDefault("http.ping_period", d.HTTP.PingPeriod)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", string(d.Log.Format))
	v.SetDefault("media.ice_servers", d.Media.ICEServers)
	v.SetDefault("media.video_width", d.Media.VideoWidth)
	v.SetDefault("media.video_height", d.Media.VideoHeight)
	v.SetDefault("history_limit", d.HistoryLimit)
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.SIP.NoAnswerTimeout <= 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "sip.no_answer_timeout должен быть больше 0")
	}
	if c.SIP.RegisterExpires < time.Minute {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "sip.register_expires должен быть не меньше минуты")
	}
	if c.SIP.AutoConnect {
		if _, err := c.Registration(); err != nil {
			return err
		}
	}
	if c.HTTP.Addr == "" {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "http.addr не может быть пустым")
	}
	switch c.HTTP.Mode {
	case "release", "debug", "test":
	default:
		return phoneerr.New(phoneerr.CodeInvalidConfig, fmt.Sprintf("неизвестный http.mode %q", c.HTTP.Mode))
	}
	if c.HTTP.PingPeriod <= 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "http.ping_period должен быть больше 0")
	}
	if c.HistoryLimit < 0 {
		return phoneerr.New(phoneerr.CodeInvalidConfig, "history_limit не может быть отрицательным")
	}
	for i, ct := range c.Contacts {
		if err := ct.Validate(); err != nil {
			return phoneerr.Wrap(phoneerr.CodeInvalidConfig, fmt.Sprintf("contacts[%d]", i), err)
		}
	}
	return nil
}

// Registration строит конфигурацию регистрации из секции sip
func (c Config) Registration() (registration.Config, error) {
	return registration.NewConfig(c.SIP.Username, c.SIP.Password, c.SIP.Server)
}

// BindFlags объявляет флаги командной строки
func BindFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "путь к файлу конфигурации (yaml)")
	fs.String("sip.username", "", "имя пользователя SIP")
	fs.String("sip.password", "", "пароль SIP")
	fs.String("sip.server", "", "адрес WebSocket сервера (ws:// или wss://)")
	fs.Bool("sip.auto_connect", false, "подключиться при запуске")
	fs.String("http.addr", "", "адрес управляющего HTTP сервера")
	fs.String("log.level", "", "уровень логирования")
	fs.String("log.format", "", "формат логов: console или json")
}

// Loader читает конфигурацию из файла, окружения и флагов
type Loader struct {
	v *viper.Viper
}

// NewLoader создает загрузчик. fs может быть nil.
func NewLoader(fs *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		if err := bindChangedFlags(v, fs); err != nil {
			return nil, err
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}
	return &Loader{v: v}, nil
}

// bindChangedFlags привязывает флаги к ключам viper. Незаданные флаги
// не перекрывают значения из файла.
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" || !f.Changed {
			return
		}
		err = v.BindPFlag(f.Name, f)
	})
	return err
}

// Load читает конфигурацию. Отсутствие файла не ошибка, если он не был
// задан явно.
func (l *Loader) Load() (Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("ошибка чтения конфигурации %s: %w", l.v.ConfigFileUsed(), err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrNoConfigFile возвращается Watch, если файл конфигурации не задан
var ErrNoConfigFile = errors.New("файл конфигурации не задан")

// Watch следит за файлом конфигурации и вызывает onChange с новой
// корректной конфигурацией. Некорректные изменения передаются в onError.
func (l *Loader) Watch(onChange func(Config), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.unmarshal()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("%s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}

// SIPChanged сообщает, требует ли новая конфигурация переподключения
func SIPChanged(prev, next Config) bool {
	return prev.SIP.Username != next.SIP.Username ||
		prev.SIP.Password != next.SIP.Password ||
		prev.SIP.Server != next.SIP.Server
}
