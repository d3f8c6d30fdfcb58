package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the audit trail for investigation, safety-gate, and checkpoint
// decisions. Every non-local error in the taxonomy (see the error handling
// design in SPEC_FULL.md §7) flows through here tagged with a correlation id.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	LogInvestigationStarted(ctx context.Context, investigationID string) error
	LogInvestigationCompleted(ctx context.Context, investigationID string, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, investigationID string, err error) error

	LogMutationApproved(ctx context.Context, investigationID, operation, resource string) error
	LogMutationRejected(ctx context.Context, investigationID, operation, resource string) error
	LogMutationBlocked(ctx context.Context, investigationID, operation, reason string) error

	LogParseFailed(ctx context.Context, shape string, err error) error

	LogPhaseTransition(ctx context.Context, investigationID string, from, to string) error

	Sync() error
	Close() error
}

// Config controls log rotation and destination, mirroring the production
// logger this module's audit trail is modeled on.
type Config struct {
	AuditLogPath string
	AppLogPath   string
	MaxSize      int // megabytes
	MaxBackups   int
	MaxAge       int // days
	Compress     bool
	LogLevel     string
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     "info",
	}
}

type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config

	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger builds a Logger with two independent zap cores — one for
// free-form application diagnostics, one append-only JSON core for the
// audit trail — so the audit log can be retained/shipped under a different
// policy than debug chatter.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		return nil, fmt.Errorf("audit: invalid log level %q: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(appRotator), level)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(auditRotator), zapcore.InfoLevel)
	auditZapLogger := zap.New(auditCore)

	l := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(time.Second),
		stopCh:      make(chan struct{}),
	}

	go l.autoFlush()

	return l, nil
}

func (l *auditLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}
		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogInvestigationStarted(ctx context.Context, investigationID string) error {
	return l.Log(ctx, NewEvent(EventInvestigationStarted).
		WithCorrelationID(investigationID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("investigation %s started", investigationID)))
}

func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, investigationID string, duration time.Duration) error {
	return l.Log(ctx, NewEvent(EventInvestigationCompleted).
		WithCorrelationID(investigationID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("investigation %s completed", investigationID)))
}

func (l *auditLogger) LogInvestigationFailed(ctx context.Context, investigationID string, err error) error {
	return l.Log(ctx, NewEvent(EventInvestigationFailed).
		WithCorrelationID(investigationID).
		WithError(err, "investigation_error").
		WithDescription(fmt.Sprintf("investigation %s failed", investigationID)))
}

func (l *auditLogger) LogMutationApproved(ctx context.Context, investigationID, operation, resource string) error {
	return l.Log(ctx, NewEvent(EventMutationApproved).
		WithCorrelationID(investigationID).
		WithAction(operation).
		WithResource(resource).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogMutationRejected(ctx context.Context, investigationID, operation, resource string) error {
	return l.Log(ctx, NewEvent(EventMutationRejected).
		WithCorrelationID(investigationID).
		WithAction(operation).
		WithResource(resource).
		WithResult(ResultDenied))
}

func (l *auditLogger) LogMutationBlocked(ctx context.Context, investigationID, operation, reason string) error {
	return l.Log(ctx, NewEvent(EventMutationBlocked).
		WithCorrelationID(investigationID).
		WithAction(operation).
		WithResult(ResultDenied).
		WithMetadata("reason", reason))
}

func (l *auditLogger) LogParseFailed(ctx context.Context, shape string, err error) error {
	return l.Log(ctx, NewEvent(EventParseFailed).
		WithError(err, "parse_error").
		WithMetadata("shape", shape))
}

func (l *auditLogger) LogPhaseTransition(ctx context.Context, investigationID string, from, to string) error {
	return l.Log(ctx, NewEvent(EventPhaseTransition).
		WithCorrelationID(investigationID).
		WithResult(ResultSuccess).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithDescription(fmt.Sprintf("investigation %s: %s -> %s", investigationID, from, to)))
}

func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.appLogger.Sync()
}

func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}
