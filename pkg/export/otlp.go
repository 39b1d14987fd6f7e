// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unicode/utf8"

	"github.com/mbeema/loadguard/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const scopeName = "github.com/mbeema/loadguard"

// OTLPExporter sends engine events as OTLP log records over gRPC with
// automatic reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	res      *resourcepb.Resource
	scope    *commonpb.InstrumentationScope
	endpoint string
	headers  map[string]string
	opts     []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) (*OTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		res:      hostResource(serviceName, serviceVersion),
		scope:    &commonpb.InstrumentationScope{Name: scopeName, Version: serviceVersion},
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// ExportEvents sends records as one ExportLogsServiceRequest.
func (e *OTLPExporter) ExportEvents(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, buildLogsRequest(e.res, e.scope, records))
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// hostResource describes the host process the engine runs inside.
func hostResource(serviceName, serviceVersion string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	exe, _ := os.Executable()

	if serviceName == "" {
		serviceName = "loadguard"
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "loadguard"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		strAttr("os.type", runtime.GOOS),
		intAttr("process.pid", int64(pid)),
	}
	if exe != "" {
		attrs = append(attrs, strAttr("process.executable.name", filepath.Base(exe)))
	}
	if serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", serviceVersion))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func buildLogsRequest(res *resourcepb.Resource, scope *commonpb.InstrumentationScope, records []*Record) *collogspb.ExportLogsServiceRequest {
	protoLogs := make([]*logspb.LogRecord, 0, len(records))
	for _, r := range records {
		protoLogs = append(protoLogs, convertRecord(r))
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: res,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      scope,
				LogRecords: protoLogs,
			}},
		}},
	}
}

func convertRecord(r *Record) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(r.Time.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(r.Body())},
		},
		SeverityText:   r.SeverityText,
		SeverityNumber: logspb.SeverityNumber(r.SeverityNumber),
		Attributes: []*commonpb.KeyValue{
			strAttr("event.name", "loadguard."+r.Kind),
		},
	}

	optional := []struct{ key, val string }{
		{"module.name", r.Module},
		{"module.path", r.Path},
		{"module.handle", r.Handle},
		{"loader.entry_point", r.Entry},
		{"detail", r.Detail},
	}
	for _, kv := range optional {
		if kv.val != "" {
			pl.Attributes = append(pl.Attributes, strAttr(kv.key, sanitizeUTF8(kv.val)))
		}
	}
	return pl
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. ANSI module names decoded with the wrong code page would
// otherwise fail protobuf marshaling.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
