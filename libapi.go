package momflow

import (
	runtimepkg "github.com/drblury/momflow/internal/runtime"
	configpkg "github.com/drblury/momflow/internal/runtime/config"
	"github.com/drblury/momflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/executor"
	idspkg "github.com/drblury/momflow/internal/runtime/ids"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	loggingpkg "github.com/drblury/momflow/internal/runtime/logging"
	transportpkg "github.com/drblury/momflow/internal/runtime/transport"
	"github.com/drblury/momflow/transport"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	TransportFactory   = transportpkg.Factory

	Service     = runtimepkg.Service
	ServiceInfo = runtimepkg.ServiceInfo
	ServiceKind = runtimepkg.ServiceKind
	Feeder      = runtimepkg.Feeder
	FeederFunc  = runtimepkg.FeederFunc

	RequestExecutor = executor.Executor
	RequestOption   = executor.RequestOption

	Worker            = dispatch.Worker
	WorkerFunc        = dispatch.WorkerFunc
	WorkerMiddleware  = dispatch.Middleware
	HighPayloadWorker = dispatch.HighPayloadWorker
	ActorState        = dispatch.State

	Message = kvmsg.Message
	Value   = kvmsg.Value
	Kind    = kvmsg.Kind

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	TransportError        = errspkg.TransportError
	TimeoutError          = errspkg.TimeoutError
	ProtocolError         = errspkg.ProtocolError
	WorkerError           = errspkg.WorkerError
	FormatError           = errspkg.FormatError
	ConfigValidationError = errspkg.ConfigValidationError

	Capabilities      = transport.Capabilities
	TransportConfig   = transport.Config
	TransportBuilder  = transport.Builder
	TransportRegistry = transport.Registry
	TransportAdapter  = transport.Adapter
	RouteKind         = transport.RouteKind
)

var (
	NewClient      = runtimepkg.NewClient
	TryNewClient   = runtimepkg.TryNewClient
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	WithReplyAddress = executor.WithReplyAddress
	WithAnswerWorker = executor.WithAnswerWorker
	WithReassembly   = dispatch.WithReassembly
	ChainWorker      = dispatch.Chain

	NewMessage     = kvmsg.New
	MustNewMessage = kvmsg.MustNew
	ErrorReply     = kvmsg.ErrorReply
	Int32          = kvmsg.Int32
	Int64          = kvmsg.Int64
	Float64        = kvmsg.Float64
	String         = kvmsg.String
	Bool           = kvmsg.Bool
	Bytes          = kvmsg.Bytes
	Nested         = kvmsg.Nested
	List           = kvmsg.List

	NewCorrelationID = idspkg.CorrelationID

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewConsoleServiceLogger   = loggingpkg.NewConsoleServiceLogger
	NewLogrusServiceLogger    = loggingpkg.NewLogrusServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.RegisterWithCapabilities
	ErrUnknownTransport      = transport.ErrUnknownTransport
	GetCapabilities          = transport.GetCapabilities

	ErrTransport           = errspkg.ErrTransport
	ErrTimeout             = errspkg.ErrTimeout
	ErrProtocol            = errspkg.ErrProtocol
	ErrWorker              = errspkg.ErrWorker
	ErrFormat              = errspkg.ErrFormat
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrWorkerRequired      = errspkg.ErrWorkerRequired
	ErrFeederRequired      = errspkg.ErrFeederRequired
	ErrGroupRequired       = errspkg.ErrGroupRequired
	ErrExecutorStopped     = errspkg.ErrExecutorStopped
	ErrClientClosed        = errspkg.ErrClientClosed
	ErrServiceExists       = errspkg.ErrServiceExists
)

// Reserved message keys.
const (
	KeyCorrelationID = kvmsg.KeyCorrelationID
	KeyReplyTo       = kvmsg.KeyReplyTo
	KeyApplicationID = kvmsg.KeyApplicationID
	KeyTrace         = kvmsg.KeyTrace
	KeyRetryCount    = kvmsg.KeyRetryCount
	KeyBody          = kvmsg.KeyBody
	KeyRC            = kvmsg.KeyRC
	KeyErr           = kvmsg.KeyErr
	KeyOp            = runtimepkg.KeyOp
	KeySessionID     = runtimepkg.KeySessionID
)

// Return codes.
const (
	RCSuccess     = kvmsg.RCSuccess
	RCBadRequest  = kvmsg.RCBadRequest
	RCNotFound    = kvmsg.RCNotFound
	RCServerError = kvmsg.RCServerError
)

// Service kinds.
const (
	KindRequest      = runtimepkg.KindRequest
	KindSubscribe    = runtimepkg.KindSubscribe
	KindGroupRequest = runtimepkg.KindGroupRequest
	KindFeeder       = runtimepkg.KindFeeder
)

// Route kinds.
const (
	RouteFAF   = transport.RouteFAF
	RouteRPC   = transport.RouteRPC
	RouteReply = transport.RouteReply
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
