package diagnostic

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/services/discord"
	"github.com/tradewire/tradewire/services/exec"
	"github.com/tradewire/tradewire/services/heartbeat"
	"github.com/tradewire/tradewire/services/httpd"
	"github.com/tradewire/tradewire/services/httppost"
	"github.com/tradewire/tradewire/services/kafka"
	"github.com/tradewire/tradewire/services/mqtt"
	"github.com/tradewire/tradewire/services/pushover"
	"github.com/tradewire/tradewire/services/sms"
	"github.com/tradewire/tradewire/services/smtp"
	"github.com/tradewire/tradewire/services/sns"
	"github.com/tradewire/tradewire/services/telegram"
	"github.com/tradewire/tradewire/services/whatsapp"
)

// Service builds the structured logger every component reports through.
// Components never hold the logger directly, they hold a narrow Diagnostic
// interface implemented by the handlers this package provides.
type Service struct {
	c Config

	mu     sync.Mutex
	opened bool

	stdout io.Writer
	stderr io.Writer

	level zap.AtomicLevel
	f     *os.File
	root  *zap.Logger
}

func NewService(c Config, stdout, stderr io.Writer) *Service {
	return &Service{
		c:      c,
		stdout: stdout,
		stderr: stderr,
		level:  zap.NewAtomicLevel(),
	}
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	lvl, err := parseLevel(s.c.Level)
	if err != nil {
		return err
	}
	s.level.SetLevel(lvl)

	var w io.Writer
	switch s.c.File {
	case "STDERR":
		w = s.stderr
	case "STDOUT":
		w = s.stdout
	default:
		dir := filepath.Dir(s.c.File)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create log directory %q", dir)
		}
		f, err := os.OpenFile(s.c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %q", s.c.File)
		}
		s.f = f
		w = f
	}

	encConfig := zap.NewProductionEncoderConfig()
	encConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encConfig.EncodeDuration = zapcore.StringDurationEncoder
	var enc zapcore.Encoder
	if s.c.Format == "console" {
		encConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encConfig)
	} else {
		enc = zapcore.NewJSONEncoder(encConfig)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), s.level)
	s.root = zap.New(core)
	s.opened = true
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	if s.root != nil {
		// Syncing a terminal sink fails on some platforms, nothing to act on.
		_ = s.root.Sync()
	}
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}

// SetLevelFromName changes the logging level at runtime.
func (s *Service) SetLevelFromName(lvl string) error {
	l, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	s.level.SetLevel(l)
	return nil
}

func parseLevel(name string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return l, errors.Errorf("unknown logging level %q", name)
	}
	return l, nil
}

func (s *Service) logger(name string) *zap.Logger {
	return s.root.With(String("service", name))
}

// Handler constructors. The service must be open before any of these are
// called, the daemon opens it before it builds anything else.

func (s *Service) NewChannelHandler() channel.Diagnostic {
	return &ChannelHandler{
		l: s.logger("channel"),
	}
}

func (s *Service) NewHTTPDHandler() httpd.Diagnostic {
	return &HTTPDHandler{
		l: s.logger("http"),
	}
}

func (s *Service) NewTelegramHandler() telegram.Diagnostic {
	return &TelegramHandler{
		l: s.logger("telegram"),
	}
}

func (s *Service) NewDiscordHandler() discord.Diagnostic {
	return &DiscordHandler{
		l: s.logger("discord"),
	}
}

func (s *Service) NewWhatsAppHandler() whatsapp.Diagnostic {
	return &WhatsAppHandler{
		l: s.logger("whatsapp"),
	}
}

func (s *Service) NewSMSHandler() sms.Diagnostic {
	return &SMSHandler{
		l: s.logger("sms"),
	}
}

func (s *Service) NewSNSHandler() sns.Diagnostic {
	return &SNSHandler{
		l: s.logger("sns"),
	}
}

func (s *Service) NewPushoverHandler() pushover.Diagnostic {
	return &PushoverHandler{
		l: s.logger("pushover"),
	}
}

func (s *Service) NewSMTPHandler() smtp.Diagnostic {
	return &SMTPHandler{
		l: s.logger("smtp"),
	}
}

func (s *Service) NewMQTTHandler() mqtt.Diagnostic {
	return &MQTTHandler{
		l: s.logger("mqtt"),
	}
}

func (s *Service) NewKafkaHandler() kafka.Diagnostic {
	return &KafkaHandler{
		l: s.logger("kafka"),
	}
}

func (s *Service) NewHeartbeatHandler() heartbeat.Diagnostic {
	return &HeartbeatHandler{
		l: s.logger("heartbeat"),
	}
}

func (s *Service) NewExecHandler() exec.Diagnostic {
	return &ExecHandler{
		l: s.logger("exec"),
	}
}

func (s *Service) NewHTTPPostHandler() httppost.Diagnostic {
	return &HTTPPostHandler{
		l: s.logger("httppost"),
	}
}

func (s *Service) NewServerHandler() *ServerHandler {
	return &ServerHandler{
		l: s.logger("srv"),
	}
}

func (s *Service) NewCmdHandler() *CmdHandler {
	return &CmdHandler{
		l: s.logger("run"),
	}
}

// BootstrapMainHandler returns a handler usable before the logging
// configuration has been loaded.
func BootstrapMainHandler() *CmdHandler {
	s := NewService(NewConfig(), nil, os.Stderr)
	// A default config always opens.
	_ = s.Open()
	return s.NewCmdHandler()
}
