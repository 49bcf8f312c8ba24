// Provides a server type for starting and configuring a TradeWire server.
package server

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/server/vars"
	"github.com/tradewire/tradewire/services/ctl"
	"github.com/tradewire/tradewire/services/diagnostic"
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
	"github.com/tradewire/tradewire/services/storage"
	"github.com/tradewire/tradewire/services/telegram"
	"github.com/tradewire/tradewire/services/whatsapp"
	"github.com/tradewire/tradewire/uuid"
	"github.com/pkg/errors"
)

const clusterIDFilename = "cluster.id"
const serverIDFilename = "server.id"

// BuildInfo represents the build details for the server code.
type BuildInfo struct {
	Version string
	Commit  string
	Branch  string
}

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	Info(msg string, ctx ...keyvalue.T)
	Debug(msg string, ctx ...keyvalue.T)
}

// Server ties the routing core and all services together. It is built
// from a Config and manages the startup and shutdown of everything in the
// proper order.
type Server struct {
	dataDir  string
	hostname string

	config *Config

	err chan error

	BuildInfo BuildInfo

	// Routing core.
	Registry   *channel.Registry
	Groups     *channel.GroupSet
	Health     *channel.Health
	Router     *channel.Router
	Parser     *channel.Parser
	Dispatcher *channel.Dispatcher
	Pump       *channel.Pump

	DiagService      *diagnostic.Service
	HTTPDService     *httpd.Service
	StorageService   *storage.Service
	TelegramService  *telegram.Service
	DiscordService   *discord.Service
	WhatsAppService  *whatsapp.Service
	SMSService       *sms.Service
	SNSService       *sns.Service
	PushoverService  *pushover.Service
	SMTPService      *smtp.Service
	MQTTService      *mqtt.Service
	KafkaService     *kafka.Service
	ExecService      *exec.Service
	HTTPPostService  *httppost.Service
	HeartbeatService *heartbeat.Service
	CtlService       *ctl.Service

	// List of services in startup order
	Services []Service
	// Map of service name to index in Services list
	ServicesByName map[string]int

	ClusterID uuid.UUID
	ServerID  uuid.UUID

	// Profiling
	CPUProfile string
	MemProfile string

	diag Diagnostic
}

// New returns a new instance of Server built from a config.
func New(c *Config, buildInfo BuildInfo, diagService *diagnostic.Service) (*Server, error) {
	err := c.Validate()
	if err != nil {
		return nil, fmt.Errorf("%s. To generate a valid configuration file run `tradewired config > tradewire.generated.conf`.", err)
	}
	s := &Server{
		config:         c,
		BuildInfo:      buildInfo,
		dataDir:        c.DataDir,
		hostname:       c.Hostname,
		err:            make(chan error),
		DiagService:    diagService,
		diag:           diagService.NewServerHandler(),
		Registry:       channel.NewRegistry(),
		ServicesByName: make(map[string]int),
	}
	s.diag.Info("tradewire hostname", keyvalue.KV("hostname", s.hostname))

	// Setup IDs
	if err := s.setupIDs(); err != nil {
		return nil, err
	}

	// Set published vars
	vars.ClusterIDVar.Set(s.ClusterID)
	vars.ServerIDVar.Set(s.ServerID)
	vars.HostVar.Set(s.hostname)
	vars.ProductVar.Set(vars.Product)
	vars.VersionVar.Set(s.BuildInfo.Version)
	vars.PlatformVar.Set(runtime.GOOS + "/" + runtime.GOARCH)
	s.diag.Info("server ids",
		keyvalue.KV("cluster_id", s.ClusterID.String()),
		keyvalue.KV("server_id", s.ServerID.String()),
	)

	// The HTTP service is constructed first so that later services can
	// register routes against it.
	s.initHTTPDService()
	s.initStorageService()

	// Construct the notification channel services and register the
	// enabled adapters.
	s.initTelegramService()
	if err := s.initDiscordService(); err != nil {
		return nil, errors.Wrap(err, "discord service")
	}
	s.initWhatsAppService()
	s.initSMSService()
	if err := s.initSNSService(); err != nil {
		return nil, errors.Wrap(err, "sns service")
	}
	s.initPushoverService()
	s.initSMTPService()
	if err := s.initMQTTService(); err != nil {
		return nil, errors.Wrap(err, "mqtt service")
	}
	s.initKafkaService()
	s.initExecService()
	if err := s.initHTTPPostService(); err != nil {
		return nil, errors.Wrap(err, "httppost service")
	}

	// With every channel registered the routing groups can be resolved
	// and validated, and the command pipeline built on top.
	if err := s.initRouting(); err != nil {
		return nil, err
	}
	s.initDispatch()
	s.initCtlService()
	if err := s.initHeartbeatService(); err != nil {
		return nil, errors.Wrap(err, "heartbeat service")
	}
	s.wireAPI()

	// Startup order. The reverse order on close matters: the transports
	// close their streams before the pump, so the pump can drain any
	// queued inbound messages, and the HTTP API stops first of all.
	s.AppendService("storage", s.StorageService)
	s.AppendService("ctl", s.CtlService)
	s.AppendService("pump", s.Pump)
	s.AppendService("telegram", s.TelegramService)
	s.AppendService("discord", s.DiscordService)
	s.AppendService("whatsapp", s.WhatsAppService)
	s.AppendService("sms", s.SMSService)
	s.AppendService("sns", s.SNSService)
	s.AppendService("pushover", s.PushoverService)
	s.AppendService("smtp", s.SMTPService)
	s.AppendService("mqtt", s.MQTTService)
	s.AppendService("kafka", s.KafkaService)
	s.AppendService("exec", s.ExecService)
	s.AppendService("httppost", s.HTTPPostService)
	s.AppendService("heartbeat", s.HeartbeatService)
	s.AppendService("httpd", s.HTTPDService)

	return s, nil
}

func (s *Server) AppendService(name string, srv Service) {
	if _, ok := s.ServicesByName[name]; ok {
		// Should be unreachable code
		panic("cannot append service twice")
	}
	i := len(s.Services)
	s.Services = append(s.Services, srv)
	s.ServicesByName[name] = i
}

// registerChannel adds an adapter to the registry under a fixed name.
func (s *Server) registerChannel(name string, a channel.Adapter) {
	if err := s.Registry.Register(name, a); err != nil {
		// Should be unreachable code, the server controls the names.
		panic(err)
	}
}

func (s *Server) initHTTPDService() {
	srv := httpd.NewService(s.config.HTTP, s.hostname, s.DiagService.NewHTTPDHandler())
	s.HTTPDService = srv
}

func (s *Server) initStorageService() {
	srv := storage.NewService(s.config.Storage)
	s.StorageService = srv
}

func (s *Server) initTelegramService() {
	c := s.config.Telegram
	store := telegram.NewOffsetStore(s.StorageService.Store("telegram"))
	srv := telegram.NewService(c, store, s.DiagService.NewTelegramHandler())

	s.TelegramService = srv
	if c.Enabled {
		s.registerChannel("telegram", srv.Adapter())
	}
}

func (s *Server) initDiscordService() error {
	c := s.config.Discord
	srv, err := discord.NewService(c, s.DiagService.NewDiscordHandler())
	if err != nil {
		return err
	}

	s.DiscordService = srv
	if c.Enabled() {
		s.registerChannel("discord", srv.Adapter())
	}
	return nil
}

func (s *Server) initWhatsAppService() {
	c := s.config.WhatsApp
	srv := whatsapp.NewService(c, s.DiagService.NewWhatsAppHandler())
	srv.HTTPDService = s.HTTPDService

	s.WhatsAppService = srv
	if c.Enabled {
		s.registerChannel("whatsapp", srv.Adapter())
	}
}

func (s *Server) initSMSService() {
	c := s.config.SMS
	srv := sms.NewService(c, s.DiagService.NewSMSHandler())
	srv.HTTPDService = s.HTTPDService

	s.SMSService = srv
	if c.Enabled {
		s.registerChannel("sms", srv.Adapter())
	}
}

func (s *Server) initSNSService() error {
	c := s.config.SNS
	srv, err := sns.NewService(c, s.DiagService.NewSNSHandler())
	if err != nil {
		return err
	}

	s.SNSService = srv
	if c.Enabled {
		s.registerChannel("sns", srv.Adapter())
	}
	return nil
}

func (s *Server) initPushoverService() {
	c := s.config.Pushover
	srv := pushover.NewService(c, s.DiagService.NewPushoverHandler())

	s.PushoverService = srv
	if c.Enabled {
		s.registerChannel("pushover", srv.Adapter())
	}
}

func (s *Server) initSMTPService() {
	c := s.config.SMTP
	srv := smtp.NewService(c, s.DiagService.NewSMTPHandler())

	s.SMTPService = srv
	if c.Enabled {
		s.registerChannel("smtp", srv.Adapter())
	}
}

func (s *Server) initMQTTService() error {
	c := s.config.MQTT
	srv, err := mqtt.NewService(c, s.DiagService.NewMQTTHandler())
	if err != nil {
		return err
	}

	s.MQTTService = srv
	if c.Enabled() {
		s.registerChannel("mqtt", srv.Adapter())
	}
	return nil
}

func (s *Server) initKafkaService() {
	c := s.config.Kafka
	srv := kafka.NewService(c, s.DiagService.NewKafkaHandler())

	s.KafkaService = srv
	if c.Enabled() {
		s.registerChannel("kafka", srv.Adapter())
	}
}

func (s *Server) initExecService() {
	c := s.config.Exec
	srv := exec.NewService(c, s.DiagService.NewExecHandler())

	s.ExecService = srv
	if c.Enabled {
		s.registerChannel("exec", srv.Adapter())
	}
}

func (s *Server) initHTTPPostService() error {
	c := s.config.HTTPPost
	srv, err := httppost.NewService(c, s.DiagService.NewHTTPPostHandler())
	if err != nil {
		return err
	}

	s.HTTPPostService = srv
	if len(c) > 0 {
		s.registerChannel("httppost", srv.Adapter())
	}
	return nil
}

func (s *Server) initRouting() error {
	groups := make(map[string][]channel.Destination, len(s.config.Routing.Groups))
	for _, g := range s.config.Routing.Groups {
		dests := make([]channel.Destination, 0, len(g.Destinations))
		for _, raw := range g.Destinations {
			d, err := channel.ParseDestination(raw)
			if err != nil {
				return errors.Wrapf(err, "routing group %q", g.Name)
			}
			dests = append(dests, d)
		}
		groups[g.Name] = dests
	}
	if file := s.config.Routing.GroupsFile; file != "" {
		fromFile, err := channel.LoadGroupsFile(file)
		if err != nil {
			return err
		}
		for name, dests := range fromFile {
			if _, ok := groups[name]; ok {
				return errors.Errorf("routing group %q defined both inline and in %s", name, file)
			}
			groups[name] = dests
		}
	}

	s.Groups = channel.NewGroupSet(groups)
	if err := s.Groups.Validate(s.Registry); err != nil {
		return err
	}

	s.Health = channel.NewHealth()
	s.Router = channel.NewRouter(s.Registry, s.Groups, s.DiagService.NewChannelHandler(), channel.RouterConfig{
		Timeout: time.Duration(s.config.Routing.DefaultTimeout),
		Health:  s.Health,
	})

	// Gauges surfaced at /debug/vars and by the /status command.
	vars.NumChannelsVar.Set(int64(len(s.Registry.Channels())))
	vars.NumGroupsVar.Set(int64(len(s.Groups.Groups())))
	for name, dests := range groups {
		vars.NumDestinationsVar.Set(name, int64(len(dests)))
	}
	return nil
}

func (s *Server) initDispatch() {
	d := s.DiagService.NewChannelHandler()
	s.Parser = channel.NewParser(s.config.Command.Prefix)
	s.Dispatcher = channel.NewDispatcher(s.Registry, d, channel.DispatcherConfig{
		HandlerTimeout: time.Duration(s.config.Command.HandlerTimeout),
	})
	s.Pump = channel.NewPump(s.Registry, s.Parser, s.Dispatcher, d, channel.PumpConfig{
		UnrecognizedEvents: s.config.Command.UnrecognizedEvents,
	})
}

func (s *Server) initCtlService() {
	srv := ctl.NewService(s.config.Command.Prefix, s.Registry, s.Groups, s.Health, s.Dispatcher)
	s.CtlService = srv
}

func (s *Server) initHeartbeatService() error {
	c := s.config.Heartbeat
	// A heartbeat group naming an unconfigured group is a config error,
	// caught here like any other stale group reference.
	if c.Enabled {
		if _, err := s.Groups.Resolve(c.Group); err != nil {
			return errors.Wrap(err, "invalid heartbeat group")
		}
	}
	store := heartbeat.NewStateStore(s.StorageService.Store("heartbeat"))
	srv, err := heartbeat.NewService(c, s.Router, store, s.DiagService.NewHeartbeatHandler())
	if err != nil {
		return err
	}
	s.HeartbeatService = srv
	return nil
}

// RegisterCommand binds a command handler on the dispatcher. Embedding
// programs call this before Open to expose their own commands.
func (s *Server) RegisterCommand(name string, h channel.Handler) {
	s.Dispatcher.RegisterHandler(name, h)
}

// PublishAlert routes one alert to the destinations of its group and
// returns the per destination results in configured order.
func (s *Server) PublishAlert(ctx context.Context, group, body string, metadata map[string]string) []channel.DeliveryResult {
	return s.Router.Publish(ctx, group, body, metadata)
}

// Err returns an error channel that multiplexes all out of band errors received from all services.
func (s *Server) Err() <-chan error { return s.err }

// Open opens all the services.
func (s *Server) Open() error {

	// Start profiling, if set.
	if err := s.startProfile(s.CPUProfile, s.MemProfile); err != nil {
		return err
	}

	if err := s.startServices(); err != nil {
		s.Close()
		return err
	}

	// The built-in command handlers are registered once ctl opened.
	vars.NumCommandsVar.Set(int64(len(s.Dispatcher.Commands())))

	go s.watchServices()

	return nil
}

func (s *Server) startServices() error {
	for _, service := range s.Services {
		s.diag.Debug("opening service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		if err := service.Open(); err != nil {
			return fmt.Errorf("open service %T: %s", service, err)
		}
		s.diag.Debug("opened service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}
	return nil
}

// Watch if something dies
func (s *Server) watchServices() {
	s.err <- <-s.HTTPDService.Err()
}

// Close shuts down all services in reverse startup order.
func (s *Server) Close() error {
	s.stopProfile()

	for i := len(s.Services) - 1; i >= 0; i-- {
		service := s.Services[i]
		s.diag.Debug("closing service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
		err := service.Close()
		if err != nil {
			s.diag.Error("error closing service", err, keyvalue.KV("service", fmt.Sprintf("%T", service)))
		}
		s.diag.Debug("closed service", keyvalue.KV("service", fmt.Sprintf("%T", service)))
	}
	return nil
}

func (s *Server) setupIDs() error {
	// Create the data dir if not exists
	if f, err := os.Stat(s.dataDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(s.dataDir, 0755); err != nil {
				return errors.Wrapf(err, "data-dir %q does not exist, failed to create it", s.dataDir)
			}
		} else {
			return errors.Wrapf(err, "failed to stat data dir %q", s.dataDir)
		}
	} else if !f.IsDir() {
		return fmt.Errorf("path data-dir %s exists and is not a directory", s.dataDir)
	}
	clusterIDPath := filepath.Join(s.dataDir, clusterIDFilename)
	clusterID, err := s.readID(clusterIDPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if clusterID == uuid.Nil {
		clusterID = uuid.New()
		if err := s.writeID(clusterIDPath, clusterID); err != nil {
			return errors.Wrap(err, "failed to save cluster ID")
		}
	}
	s.ClusterID = clusterID

	serverIDPath := filepath.Join(s.dataDir, serverIDFilename)
	serverID, err := s.readID(serverIDPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if serverID == uuid.Nil {
		serverID = uuid.New()
		if err := s.writeID(serverIDPath, serverID); err != nil {
			return errors.Wrap(err, "failed to save server ID")
		}
	}
	s.ServerID = serverID

	return nil
}

func (s *Server) readID(file string) (uuid.UUID, error) {
	f, err := os.Open(file)
	if err != nil {
		return uuid.Nil, err
	}
	defer f.Close()
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(strings.TrimSpace(string(b)))
}

func (s *Server) writeID(file string, id uuid.UUID) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(id.String()))
	if err != nil {
		return err
	}
	return nil
}

// Service represents a service attached to the server.
type Service interface {
	Open() error
	Close() error
}

// prof stores the file locations of active profiles.
var prof struct {
	cpu *os.File
	mem *os.File
}

// StartProfile initializes the cpu and memory profile, if specified.
func (s *Server) startProfile(cpuprofile, memprofile string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("cpuprofile: %v", err)
		}
		s.diag.Info("writing CPU profile", keyvalue.KV("path", cpuprofile))
		prof.cpu = f
		if err := pprof.StartCPUProfile(prof.cpu); err != nil {
			return fmt.Errorf("start cpu profile: %v", err)
		}
	}

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			return fmt.Errorf("memprofile: %v", err)
		}
		s.diag.Info("writing mem profile", keyvalue.KV("path", memprofile))
		prof.mem = f
		runtime.MemProfileRate = 4096
	}
	return nil
}

// StopProfile closes the cpu and memory profiles if they are running.
func (s *Server) stopProfile() {
	if prof.cpu != nil {
		pprof.StopCPUProfile()
		prof.cpu.Close()
		prof.cpu = nil
		s.diag.Info("CPU profile stopped")
	}
	if prof.mem != nil {
		if err := pprof.Lookup("heap").WriteTo(prof.mem, 0); err != nil {
			s.diag.Error("failed to write mem profile", err)
		}
		prof.mem.Close()
		prof.mem = nil
		s.diag.Info("mem profile stopped")
	}
}

// wireAPI hands the API handler its views of the routing core. It runs
// after the core exists, the HTTP service itself is appended last so the
// API does not listen until everything else succeeded.
func (s *Server) wireAPI() {
	h := s.HTTPDService.Handler
	h.Router = s.Router
	h.Injector = s.Pump
	h.Registry = s.Registry
	h.Groups = s.Groups
	h.Health = s.Health
	h.Commander = s.Dispatcher
	h.CommandPrefix = s.config.Command.Prefix
}
