package vars

import (
	"expvar"
	"time"

	kexpvar "github.com/tradewire/tradewire/expvar"
	"github.com/tradewire/tradewire/uuid"
)

const (
	// List of names for top-level exported vars
	ClusterIDVarName = "cluster_id"
	ServerIDVarName  = "server_id"
	HostVarName      = "host"
	ProductVarName   = "product"
	VersionVarName   = "version"
	PlatformVarName  = "platform"

	NumChannelsVarName     = "num_channels"
	NumGroupsVarName       = "num_groups"
	NumCommandsVarName     = "num_commands"
	NumDestinationsVarName = "num_destinations"

	AlertsRoutedVarName       = "alerts_routed"
	DeliveriesOKVarName       = "deliveries_ok"
	DeliveriesFailedVarName   = "deliveries_failed"
	CommandsDispatchedVarName = "commands_dispatched"
	ParseErrorsVarName        = "parse_errors"
	InboundMessagesVarName    = "inbound_messages"

	UptimeVarName = "uptime"

	// The name of the product
	Product = "tradewire"
)

var (
	// Global expvars
	NumChannelsVar = &kexpvar.Int{}
	NumGroupsVar   = &kexpvar.Int{}
	NumCommandsVar = &kexpvar.Int{}
	// NumDestinationsVar sums destination counts across groups.
	NumDestinationsVar = kexpvar.NewIntSum()

	// Lifetime counters, incremented by the server wiring.
	AlertsRoutedVar       = &kexpvar.Int{}
	DeliveriesOKVar       = &kexpvar.Int{}
	DeliveriesFailedVar   = &kexpvar.Int{}
	CommandsDispatchedVar = &kexpvar.Int{}
	ParseErrorsVar        = &kexpvar.Int{}
	InboundMessagesVar    = &kexpvar.Int{}

	ClusterIDVar = &kexpvar.UUID{}
	ServerIDVar  = &kexpvar.UUID{}
	HostVar      = &kexpvar.String{}
	ProductVar   = &kexpvar.String{}
	VersionVar   = &kexpvar.String{}
	PlatformVar  = &kexpvar.String{}
)

var (
	startTime time.Time
)

func init() {
	startTime = time.Now().UTC()

	expvar.Publish(NumChannelsVarName, NumChannelsVar)
	expvar.Publish(NumGroupsVarName, NumGroupsVar)
	expvar.Publish(NumCommandsVarName, NumCommandsVar)
	expvar.Publish(NumDestinationsVarName, NumDestinationsVar)

	expvar.Publish(AlertsRoutedVarName, AlertsRoutedVar)
	expvar.Publish(DeliveriesOKVarName, DeliveriesOKVar)
	expvar.Publish(DeliveriesFailedVarName, DeliveriesFailedVar)
	expvar.Publish(CommandsDispatchedVarName, CommandsDispatchedVar)
	expvar.Publish(ParseErrorsVarName, ParseErrorsVar)
	expvar.Publish(InboundMessagesVarName, InboundMessagesVar)

	expvar.Publish(ClusterIDVarName, ClusterIDVar)
	expvar.Publish(ServerIDVarName, ServerIDVar)
	expvar.Publish(HostVarName, HostVar)
	expvar.Publish(ProductVarName, ProductVar)
	expvar.Publish(VersionVarName, VersionVar)
	expvar.Publish(PlatformVarName, PlatformVar)
}

func uptime() time.Duration {
	return time.Since(startTime)
}

type Infoer interface {
	ClusterID() uuid.UUID
	ServerID() uuid.UUID
	Hostname() string
	Version() string
	Product() string
	Platform() string
	NumChannels() int64
	NumGroups() int64
	NumCommands() int64
	NumDestinations() int64
	Uptime() time.Duration
}

var Info = info{}

type info struct{}

func (info) ClusterID() uuid.UUID {
	return ClusterIDVar.UUIDValue()
}
func (info) ServerID() uuid.UUID {
	return ServerIDVar.UUIDValue()
}
func (info) Hostname() string {
	return HostVar.StringValue()
}
func (info) Version() string {
	return VersionVar.StringValue()
}
func (info) Product() string {
	return ProductVar.StringValue()
}
func (info) Platform() string {
	return PlatformVar.StringValue()
}

func (info) NumChannels() int64 {
	return NumChannelsVar.IntValue()
}
func (info) NumGroups() int64 {
	return NumGroupsVar.IntValue()
}
func (info) NumCommands() int64 {
	return NumCommandsVar.IntValue()
}
func (info) NumDestinations() int64 {
	return NumDestinationsVar.IntValue()
}
func (info) Uptime() time.Duration {
	return uptime()
}
