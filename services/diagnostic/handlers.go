package diagnostic

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/server/vars"
	"github.com/tradewire/tradewire/services/discord"
	"github.com/tradewire/tradewire/services/exec"
	"github.com/tradewire/tradewire/services/heartbeat"
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

func Err(l *zap.Logger, msg string, err error, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Error(msg, Error(err))
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Error(msg, Error(err), String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Error(msg, Error(err), String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx)+1) // +1 for error
	fields[0] = Error(err)
	for i := 1; i < len(fields); i++ {
		kv := ctx[i-1]
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Error(msg, fields...)
}

func Info(l *zap.Logger, msg string, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Info(msg)
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Info(msg, String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Info(msg, String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Info(msg, fields...)
}

func Debug(l *zap.Logger, msg string, ctx []keyvalue.T) {
	if len(ctx) == 0 {
		l.Debug(msg)
		return
	}

	if len(ctx) == 1 {
		el := ctx[0]
		l.Debug(msg, String(el.Key, el.Value))
		return
	}

	if len(ctx) == 2 {
		x := ctx[0]
		y := ctx[1]
		l.Debug(msg, String(x.Key, x.Value), String(y.Key, y.Value))
		return
	}

	// Use the allocation version for any length
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	l.Debug(msg, fields...)
}

func logFieldsFromContext(ctx []keyvalue.T) []Field {
	fields := make([]Field, len(ctx))
	for i, kv := range ctx {
		fields[i] = String(kv.Key, kv.Value)
	}

	return fields
}

// Channel handler

type ChannelHandler struct {
	l *zap.Logger
}

func (h *ChannelHandler) WithContext(ctx ...keyvalue.T) channel.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &ChannelHandler{
		l: h.l.With(fields...),
	}
}

func (h *ChannelHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	Err(h.l, msg, err, ctx)
}

// The router, dispatcher and pump all report through here, so the global
// counters update in one place.

func (h *ChannelHandler) AlertRouted(group string, destinations int) {
	vars.AlertsRoutedVar.Add(1)
	h.l.Debug("routing alert", String("group", group), Int("destinations", destinations))
}

func (h *ChannelHandler) DeliverySucceeded(d channel.Destination, latency time.Duration) {
	vars.DeliveriesOKVar.Add(1)
	h.l.Debug("delivered alert", Stringer("destination", d), Duration("latency", latency))
}

func (h *ChannelHandler) DeliveryFailed(d channel.Destination, kind channel.ErrorKind, err error) {
	vars.DeliveriesFailedVar.Add(1)
	h.l.Error("failed to deliver alert", Stringer("destination", d), Stringer("kind", kind), Error(err))
}

func (h *ChannelHandler) InboundStarted(chName string) {
	h.l.Info("inbound worker started", String("channel", chName))
}

func (h *ChannelHandler) InboundStopped(chName string) {
	h.l.Info("inbound worker stopped", String("channel", chName))
}

func (h *ChannelHandler) MessageReceived(chName string) {
	vars.InboundMessagesVar.Add(1)
	h.l.Debug("inbound message", String("channel", chName))
}

func (h *ChannelHandler) MessageDropped(chName string) {
	h.l.Debug("dropped non command message", String("channel", chName))
}

func (h *ChannelHandler) CommandDispatched(name string, status channel.OutcomeStatus) {
	vars.CommandsDispatchedVar.Add(1)
	if status == channel.Malformed {
		vars.ParseErrorsVar.Add(1)
	}
	h.l.Info("dispatched command", String("command", name), Stringer("status", status))
}

func (h *ChannelHandler) HandlerReplaced(name string) {
	h.l.Info("replaced existing command handler", String("command", name))
}

func (h *ChannelHandler) HandlerPanic(name string, recovered interface{}) {
	h.l.Error("recovered from command handler panic",
		String("command", name),
		String("recovered", fmt.Sprintf("%v", recovered)),
		Stack(),
	)
}

func (h *ChannelHandler) ReplyFailed(rc channel.ReplyContext, err error) {
	h.l.Error("failed to send reply",
		String("channel", rc.Channel),
		String("destination", rc.Destination),
		Error(err),
	)
}

// HTTPD handler

type HTTPDHandler struct {
	l *zap.Logger
}

func (h *HTTPDHandler) NewHTTPServerErrorLogger() *log.Logger {
	s := &StaticLevelHandler{
		l:     h.l.With(String("service", "httpd_server_errors")),
		level: llError,
	}

	return log.New(s, "", log.LstdFlags)
}

func (h *HTTPDHandler) StartingService() {
	h.l.Info("starting HTTP service")
}

func (h *HTTPDHandler) StoppedService() {
	h.l.Info("closed HTTP service")
}

func (h *HTTPDHandler) ShutdownTimeout() {
	h.l.Error("shutdown timedout, forcefully closing all remaining connections")
}

func (h *HTTPDHandler) AuthenticationEnabled(enabled bool) {
	h.l.Info("authentication", Bool("enabled", enabled))
}

func (h *HTTPDHandler) ListeningOn(addr string, proto string) {
	h.l.Info("listening on", String("addr", addr), String("protocol", proto))
}

func (h *HTTPDHandler) HTTP(
	host string,
	method string,
	uri string,
	status int,
	reqID string,
	duration time.Duration,
) {
	h.l.Info("http request",
		String("host", host),
		String("method", method),
		String("uri", uri),
		Int("status", status),
		String("request-id", reqID),
		Duration("duration", duration),
	)
}

func (h *HTTPDHandler) RecoveryError(
	msg string,
	err string,
	method string,
	uri string,
	reqID string,
) {
	h.l.Error(msg,
		String("err", err),
		String("method", method),
		String("uri", uri),
		String("request-id", reqID),
	)
}

func (h *HTTPDHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

type logLevel int

const (
	llInvalid logLevel = iota
	llDebug
	llError
	llInfo
)

// StaticLevelHandler implements io.Writer so stdlib log.Logger consumers
// can feed the structured log at a fixed level.
type StaticLevelHandler struct {
	l     *zap.Logger
	level logLevel
}

func (h *StaticLevelHandler) Write(buf []byte) (int, error) {
	switch h.level {
	case llDebug:
		h.l.Debug(string(buf))
	case llError:
		h.l.Error(string(buf))
	case llInfo:
		h.l.Info(string(buf))
	default:
		return 0, errors.New("invalid log level")
	}

	return len(buf), nil
}

// Telegram handler

type TelegramHandler struct {
	l *zap.Logger
}

func (h *TelegramHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *TelegramHandler) PollingStarted(offset int64) {
	h.l.Info("started polling for updates", Int64("offset", offset))
}

func (h *TelegramHandler) PollingStopped() {
	h.l.Info("stopped polling for updates")
}

func (h *TelegramHandler) WithContext(ctx ...keyvalue.T) telegram.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &TelegramHandler{
		l: h.l.With(fields...),
	}
}

// Discord handler

type DiscordHandler struct {
	l *zap.Logger
}

func (h *DiscordHandler) InsecureSkipVerify() {
	h.l.Info("service is configured to skip ssl verification")
}

func (h *DiscordHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *DiscordHandler) WithContext(ctx ...keyvalue.T) discord.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &DiscordHandler{
		l: h.l.With(fields...),
	}
}

// WhatsApp handler

type WhatsAppHandler struct {
	l *zap.Logger
}

func (h *WhatsAppHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *WhatsAppHandler) WithContext(ctx ...keyvalue.T) whatsapp.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &WhatsAppHandler{
		l: h.l.With(fields...),
	}
}

// SMS handler

type SMSHandler struct {
	l *zap.Logger
}

func (h *SMSHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *SMSHandler) WithContext(ctx ...keyvalue.T) sms.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &SMSHandler{
		l: h.l.With(fields...),
	}
}

// SNS handler

type SNSHandler struct {
	l *zap.Logger
}

func (h *SNSHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *SNSHandler) WithContext(ctx ...keyvalue.T) sns.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &SNSHandler{
		l: h.l.With(fields...),
	}
}

// Pushover handler

type PushoverHandler struct {
	l *zap.Logger
}

func (h *PushoverHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *PushoverHandler) WithContext(ctx ...keyvalue.T) pushover.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &PushoverHandler{
		l: h.l.With(fields...),
	}
}

// SMTP handler

type SMTPHandler struct {
	l *zap.Logger
}

func (h *SMTPHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *SMTPHandler) WithContext(ctx ...keyvalue.T) smtp.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &SMTPHandler{
		l: h.l.With(fields...),
	}
}

// MQTT handler

type MQTTHandler struct {
	l *zap.Logger
}

func (h *MQTTHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *MQTTHandler) Subscribed(broker, topic string) {
	h.l.Info("subscribed to command topic", String("broker", broker), String("topic", topic))
}

func (h *MQTTHandler) WithContext(ctx ...keyvalue.T) mqtt.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &MQTTHandler{
		l: h.l.With(fields...),
	}
}

// Kafka handler

type KafkaHandler struct {
	l *zap.Logger
}

func (h *KafkaHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *KafkaHandler) InsecureSkipVerify() {
	h.l.Info("service is configured to skip ssl verification")
}

func (h *KafkaHandler) ConsumerStarted(cluster, topic string) {
	h.l.Info("started consuming commands", String("cluster", cluster), String("topic", topic))
}

func (h *KafkaHandler) ConsumerStopped(cluster string) {
	h.l.Info("stopped consuming commands", String("cluster", cluster))
}

func (h *KafkaHandler) WithContext(ctx ...keyvalue.T) kafka.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &KafkaHandler{
		l: h.l.With(fields...),
	}
}

// Heartbeat handler

type HeartbeatHandler struct {
	l *zap.Logger
}

func (h *HeartbeatHandler) Beat(group string, delivered int) {
	h.l.Debug("heartbeat published", String("group", group), Int("delivered", delivered))
}

func (h *HeartbeatHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *HeartbeatHandler) WithContext(ctx ...keyvalue.T) heartbeat.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &HeartbeatHandler{
		l: h.l.With(fields...),
	}
}

// Exec handler

type ExecHandler struct {
	l *zap.Logger
}

func (h *ExecHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *ExecHandler) WithContext(ctx ...keyvalue.T) exec.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &ExecHandler{
		l: h.l.With(fields...),
	}
}

// HTTPPost handler

type HTTPPostHandler struct {
	l *zap.Logger
}

func (h *HTTPPostHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *HTTPPostHandler) WithContext(ctx ...keyvalue.T) httppost.Diagnostic {
	fields := logFieldsFromContext(ctx)

	return &HTTPPostHandler{
		l: h.l.With(fields...),
	}
}

// Server handler

type ServerHandler struct {
	l *zap.Logger
}

func (h *ServerHandler) Error(msg string, err error, ctx ...keyvalue.T) {
	Err(h.l, msg, err, ctx)
}

func (h *ServerHandler) Info(msg string, ctx ...keyvalue.T) {
	Info(h.l, msg, ctx)
}

func (h *ServerHandler) Debug(msg string, ctx ...keyvalue.T) {
	Debug(h.l, msg, ctx)
}

// Cmd handler

type CmdHandler struct {
	l *zap.Logger
}

func (h *CmdHandler) Error(msg string, err error) {
	h.l.Error(msg, Error(err))
}

func (h *CmdHandler) TradewireStarting(version, branch, commit string) {
	h.l.Info("tradewired starting", String("version", version), String("branch", branch), String("commit", commit))
}

func (h *CmdHandler) GoVersion() {
	h.l.Info("go version", String("version", runtime.Version()))
}

func (h *CmdHandler) Info(msg string) {
	h.l.Info(msg)
}
