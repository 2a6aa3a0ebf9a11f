package detection

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
)

// Options are the per-call parameters a pipeline passes with every frame.
type Options struct {
	Confidence float64
	Classes    []string
}

// Detector turns one frame into raw detections. Implementations must be safe
// for concurrent use and keep no per-source state between calls.
type Detector interface {
	Detect(ctx context.Context, frame models.Frame, opts Options) ([]models.RawDetection, error)
}

// DetectionError marks a failed inference. It is local to one cycle.
type DetectionError struct {
	SourceID string
	Err      error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed for %s: %v", e.SourceID, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Service calls a remote inference server over gRPC. Requests and responses
// are google.protobuf.Struct documents so no generated stubs are needed.
type Service struct {
	endpoint      string
	method        string
	timeout       time.Duration
	healthTimeout time.Duration

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	health healthpb.HealthClient

	healthy atomic.Bool
}

func NewService(cfg *config.Config, dialOpts ...grpc.DialOption) (*Service, error) {
	log.Info().Str("url", cfg.DetectorGRPCURL).Msg("Initializing detection service")

	target, creds, err := parseGRPCEndpoint(cfg.DetectorGRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse detector endpoint %s: %w", cfg.DetectorGRPCURL, err)
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector client for %s: %w", target, err)
	}

	s := &Service{
		endpoint:      target,
		method:        cfg.DetectorMethod,
		timeout:       cfg.DetectorTimeout,
		healthTimeout: cfg.DetectorHealthTimeout,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
	}

	// Not fatal: the server may come up after the worker.
	ctx, cancel := context.WithTimeout(context.Background(), s.healthTimeout)
	defer cancel()
	if err := s.CheckHealth(ctx); err != nil {
		log.Warn().Err(err).Str("endpoint", target).Msg("Detection service not available yet, will keep trying per frame")
	} else {
		log.Info().Str("endpoint", target).Msg("Successfully connected to detection service")
	}

	return s, nil
}

// CheckHealth asks the standard gRPC health service for the server status.
func (s *Service) CheckHealth(ctx context.Context) error {
	s.mu.RLock()
	client := s.health
	s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("detection service closed")
	}

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("detection service health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		s.healthy.Store(false)
		return fmt.Errorf("detection service status %s", resp.GetStatus())
	}
	s.healthy.Store(true)
	return nil
}

func (s *Service) IsHealthy() bool { return s.healthy.Load() }

func (s *Service) Endpoint() string { return s.endpoint }

// Detect sends one frame for inference.
func (s *Service) Detect(ctx context.Context, frame models.Frame, opts Options) ([]models.RawDetection, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, &DetectionError{SourceID: frame.SourceID, Err: fmt.Errorf("detection service closed")}
	}

	req, err := buildRequest(frame, opts)
	if err != nil {
		return nil, &DetectionError{SourceID: frame.SourceID, Err: err}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, s.method, req, resp); err != nil {
		s.healthy.Store(false)
		return nil, &DetectionError{SourceID: frame.SourceID, Err: err}
	}
	s.healthy.Store(true)

	dets, err := parseResponse(resp, frame.Timestamp)
	if err != nil {
		return nil, &DetectionError{SourceID: frame.SourceID, Err: err}
	}
	return dets, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.health = nil
	s.healthy.Store(false)
	return err
}

func buildRequest(frame models.Frame, opts Options) (*structpb.Struct, error) {
	classes := make([]any, 0, len(opts.Classes))
	for _, c := range opts.Classes {
		classes = append(classes, c)
	}
	return structpb.NewStruct(map[string]any{
		"source_id":  frame.SourceID,
		"seq":        float64(frame.Seq),
		"timestamp":  frame.Timestamp.UTC().Format(time.RFC3339Nano),
		"width":      frame.Width,
		"height":     frame.Height,
		"format":     frame.Format,
		"image":      base64.StdEncoding.EncodeToString(frame.Data),
		"confidence": opts.Confidence,
		"classes":    classes,
	})
}

// parseResponse reads {"detections":[{"class","class_id","confidence",
// "box":[x1,y1,x2,y2],"track_id"}]}.
func parseResponse(resp *structpb.Struct, ts time.Time) ([]models.RawDetection, error) {
	list := resp.GetFields()["detections"].GetListValue()
	if list == nil {
		return nil, nil
	}

	out := make([]models.RawDetection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		box := fields["box"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d: box must have 4 values, got %d", i, len(box))
		}
		out = append(out, models.RawDetection{
			Class:      fields["class"].GetStringValue(),
			ClassID:    int(fields["class_id"].GetNumberValue()),
			Confidence: fields["confidence"].GetNumberValue(),
			Box: models.BBox{
				X1: box[0].GetNumberValue(),
				Y1: box[1].GetNumberValue(),
				X2: box[2].GetNumberValue(),
				Y2: box[3].GetNumberValue(),
			},
			TrackID:   int64(fields["track_id"].GetNumberValue()),
			Timestamp: ts,
		})
	}
	return out, nil
}

// parseGRPCEndpoint normalizes host:port / http(s) URLs into a dial target
// and transport credentials. gRPC resolver schemes pass through unchanged.
func parseGRPCEndpoint(endpoint string) (string, credentials.TransportCredentials, error) {
	for _, scheme := range []string{"passthrough:", "dns:", "unix:"} {
		if strings.HasPrefix(endpoint, scheme) {
			return endpoint, insecure.NewCredentials(), nil
		}
	}

	if !strings.Contains(endpoint, "://") {
		if host, port, ok := strings.Cut(endpoint, ":"); ok && host != "" {
			if p, err := strconv.Atoi(port); err == nil && (p == 443 || p == 8443 || p == 9443) {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		} else {
			endpoint = "https://" + endpoint + ":443"
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = u.Hostname() + ":443"
		case "http":
			host = u.Hostname() + ":80"
		}
	}

	switch u.Scheme {
	case "https":
		return host, credentials.NewTLS(&tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}), nil
	case "http":
		return host, insecure.NewCredentials(), nil
	default:
		return "", nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}
