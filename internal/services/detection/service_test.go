package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
)

type fakeServer struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	fail     bool
}

func (f *fakeServer) detect(req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, status.Error(codes.Unavailable, "model not loaded")
	}
	return structpb.NewStruct(map[string]any{
		"detections": []any{
			map[string]any{
				"class":      "person",
				"class_id":   0,
				"confidence": 0.87,
				"box":        []any{10.0, 20.0, 110.0, 220.0},
				"track_id":   4,
			},
			map[string]any{
				"class":      "car",
				"class_id":   2,
				"confidence": 0.5,
				"box":        []any{0.0, 0.0, 5.0, 5.0},
			},
		},
	})
}

func startServer(t *testing.T, fake *fakeServer, hs *health.Server) *Service {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	desc := grpc.ServiceDesc{
		ServiceName: "rextrack.detector.v1.Detector",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fake.detect(in)
			},
		}},
	}
	srv.RegisterService(&desc, fake)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := &config.Config{
		DetectorGRPCURL:       "passthrough:///bufnet",
		DetectorMethod:        "/rextrack.detector.v1.Detector/Detect",
		DetectorTimeout:       2 * time.Second,
		DetectorHealthTimeout: 2 * time.Second,
	}
	svc, err := NewService(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestDetectRoundTrip(t *testing.T) {
	fake := &fakeServer{}
	svc := startServer(t, fake, health.NewServer())

	if !svc.IsHealthy() {
		t.Fatalf("IsHealthy = false after successful health check")
	}

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	frame := models.Frame{SourceID: "cam1", Seq: 9, Timestamp: ts, Width: 640, Height: 480, Format: models.FrameFormatJPEG, Data: []byte{1, 2, 3}}
	dets, err := svc.Detect(context.Background(), frame, Options{Confidence: 0.3, Classes: []string{"person"}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("detections = %d; want 2", len(dets))
	}
	d := dets[0]
	if d.Class != "person" || d.Confidence != 0.87 || d.TrackID != 4 {
		t.Fatalf("detection = %+v", d)
	}
	if d.Box != (models.BBox{X1: 10, Y1: 20, X2: 110, Y2: 220}) {
		t.Fatalf("box = %+v", d.Box)
	}
	if !d.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %s; want frame timestamp", d.Timestamp)
	}
	if dets[1].TrackID != 0 || dets[1].ClassID != 2 {
		t.Fatalf("second detection = %+v", dets[1])
	}

	fake.mu.Lock()
	req := fake.requests[0].GetFields()
	fake.mu.Unlock()
	if req["source_id"].GetStringValue() != "cam1" || req["width"].GetNumberValue() != 640 {
		t.Fatalf("request fields = %v", req)
	}
	img, _ := base64.StdEncoding.DecodeString(req["image"].GetStringValue())
	if len(img) != 3 {
		t.Fatalf("image payload = %v", img)
	}
	if got := req["classes"].GetListValue().GetValues(); len(got) != 1 || got[0].GetStringValue() != "person" {
		t.Fatalf("classes = %v", got)
	}
}

func TestDetectFailureIsDetectionError(t *testing.T) {
	fake := &fakeServer{fail: true}
	svc := startServer(t, fake, health.NewServer())

	_, err := svc.Detect(context.Background(), models.Frame{SourceID: "cam2"}, Options{})
	var de *DetectionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v; want *DetectionError", err)
	}
	if de.SourceID != "cam2" || status.Code(de.Err) != codes.Unavailable {
		t.Fatalf("DetectionError = %+v", de)
	}
	if svc.IsHealthy() {
		t.Fatalf("IsHealthy = true after failed call")
	}
}

func TestHealthNotServing(t *testing.T) {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	svc := startServer(t, &fakeServer{}, hs)

	if err := svc.CheckHealth(context.Background()); err == nil {
		t.Fatalf("CheckHealth succeeded for NOT_SERVING server")
	}
	if svc.IsHealthy() {
		t.Fatalf("IsHealthy = true")
	}
}

func TestParseResponseRejectsBadBox(t *testing.T) {
	resp, _ := structpb.NewStruct(map[string]any{
		"detections": []any{map[string]any{"class": "x", "box": []any{1.0, 2.0}}},
	})
	if _, err := parseResponse(resp, time.Now()); err == nil {
		t.Fatalf("parseResponse accepted a 2-value box")
	}
	empty, _ := structpb.NewStruct(map[string]any{})
	if dets, err := parseResponse(empty, time.Now()); err != nil || len(dets) != 0 {
		t.Fatalf("empty response = %v, %v", dets, err)
	}
}

func TestParseGRPCEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		target string
		tls    bool
	}{
		{"localhost:50052", "localhost:50052", false},
		{"detector.example.com:443", "detector.example.com:443", true},
		{"detector.example.com", "detector.example.com:443", true},
		{"http://10.0.0.5", "10.0.0.5:80", false},
		{"https://infer.local:8443", "infer.local:8443", true},
		{"passthrough:///bufnet", "passthrough:///bufnet", false},
	}
	for _, tt := range tests {
		target, creds, err := parseGRPCEndpoint(tt.in)
		if err != nil {
			t.Fatalf("parseGRPCEndpoint(%q): %v", tt.in, err)
		}
		if target != tt.target {
			t.Fatalf("%q target = %q; want %q", tt.in, target, tt.target)
		}
		if got := creds.Info().SecurityProtocol == "tls"; got != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.in, got, tt.tls)
		}
	}
	if _, _, err := parseGRPCEndpoint("ftp://x:21"); err == nil {
		t.Fatalf("ftp scheme accepted")
	}
}
