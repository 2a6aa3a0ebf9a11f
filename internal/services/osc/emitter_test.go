package osc

import (
	"errors"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
)

func testSettings(port int) config.OSCSettings {
	return config.OSCSettings{
		Host:          "127.0.0.1",
		Port:          port,
		AddressPrefix: "/",
		ChannelFormat: "p{index}_{axis}",
		Attributes:    []string{"x", "y"},
		QueueSize:     8,
	}
}

func slot(idx int, x, y float64, age time.Duration) models.TrackedSlot {
	return models.TrackedSlot{
		Index:      idx,
		Class:      "person",
		Confidence: 0.9,
		Box:        models.BBox{X1: x - 5, Y1: y - 10, X2: x + 5, Y2: y + 10},
		Position:   models.Point{X: x, Y: y},
		Age:        age,
	}
}

func listen(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func receive(t *testing.T, conn *net.UDPConn, n int) map[string]any {
	t.Helper()
	got := make(map[string]any, n)
	buf := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < n {
		size, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read after %d packets: %v", len(got), err)
		}
		pkt, err := osc.ParsePacket(string(buf[:size]))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		msg, ok := pkt.(*osc.Message)
		if !ok || len(msg.Arguments) != 1 {
			t.Fatalf("unexpected packet %v", pkt)
		}
		got[msg.Address] = msg.Arguments[0]
	}
	return got
}

func TestAddress(t *testing.T) {
	tests := []struct {
		prefix, format, want string
	}{
		{"/", "p{index}_{axis}", "/p3_x"},
		{"", "p{index}_{axis}", "/p3_x"},
		{"/cam2/", "p{index}_{axis}", "/cam2/p3_x"},
		{"/cam2", "p{index}_{axis}", "/cam2/p3_x"},
		{"rex", "/{source}/p{index}/{axis}", "/rex/cam1/p3/x"},
		{"/", "/{source}/{index}", "/cam1/3"},
	}
	for _, tt := range tests {
		if got := Address(tt.prefix, tt.format, 3, "x", "cam1"); got != tt.want {
			t.Fatalf("Address(%q, %q) = %q; want %q", tt.prefix, tt.format, got, tt.want)
		}
	}
}

func TestFormatSkipsYoungSlotsAndUnknownAttributes(t *testing.T) {
	s := testSettings(5005)
	s.Attributes = []string{"x", "class", "bogus"}
	s.EmitMinAge = 100 * time.Millisecond

	msgs := Format("cam1", []models.TrackedSlot{
		slot(1, 10, 20, 200*time.Millisecond),
		slot(2, 30, 40, 50*time.Millisecond),
	}, s)

	var addrs []string
	for _, m := range msgs {
		addrs = append(addrs, m.Address)
	}
	sort.Strings(addrs)
	if len(addrs) != 2 || addrs[0] != "/p1_class" || addrs[1] != "/p1_x" {
		t.Fatalf("addresses = %v", addrs)
	}
}

func TestEmitSendsOccupiedSlotsOnly(t *testing.T) {
	conn, port := listen(t)
	s := testSettings(port)
	e, err := Dial("cam1", s, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer e.Close()

	// Slot 2 is free: nothing about it may be sent.
	if err := e.Emit([]models.TrackedSlot{slot(1, 10, 20, 0), slot(3, 50, 60, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := receive(t, conn, 4)
	want := map[string]float32{"/p1_x": 10, "/p1_y": 20, "/p3_x": 50, "/p3_y": 60}
	for addr, v := range want {
		if got[addr] != v {
			t.Fatalf("%s = %v; want %v (all: %v)", addr, got[addr], v, got)
		}
	}
	if _, ok := got["/p2_x"]; ok {
		t.Fatalf("free slot 2 was emitted")
	}
}

func TestEmitClearFreed(t *testing.T) {
	conn, port := listen(t)
	s := testSettings(port)
	s.Attributes = []string{"x"}
	s.ClearFreed = true
	e, err := Dial("cam1", s, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer e.Close()

	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0), slot(2, 2, 2, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	receive(t, conn, 2)

	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := receive(t, conn, 2)
	if got["/p2_active"] != int32(0) {
		t.Fatalf("freed slot not cleared: %v", got)
	}

	// The clear signal is sent once.
	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got = receive(t, conn, 1)
	if _, ok := got["/p2_active"]; ok {
		t.Fatalf("clear sent twice: %v", got)
	}
}

func TestClearSurvivesFullQueue(t *testing.T) {
	s := testSettings(5005)
	s.Attributes = []string{"x"}
	s.ClearFreed = true
	// No sender goroutine: the queue only drains when the test reads it.
	e := &Emitter{
		sourceID:    "cam1",
		logger:      zerolog.Nop(),
		queue:       make(chan [][]byte, 1),
		lastEmitted: make(map[int]bool),
	}

	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0), slot(2, 2, 2, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0)}, s); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v; want ErrQueueFull", err)
	}
	<-e.queue

	if err := e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0)}, s); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var addrs []string
	for _, pkt := range <-e.queue {
		p, err := osc.ParsePacket(string(pkt))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		addrs = append(addrs, p.(*osc.Message).Address)
	}
	sort.Strings(addrs)
	if len(addrs) != 2 || addrs[0] != "/p1_x" || addrs[1] != "/p2_active" {
		t.Fatalf("addresses = %v; want the dropped clear resent", addrs)
	}
}

func TestEmitAfterCloseFails(t *testing.T) {
	_, port := listen(t)
	s := testSettings(port)
	e, err := Dial("cam1", s, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = e.Emit([]models.TrackedSlot{slot(1, 1, 1, 0)}, s)
	var ee *EmitError
	if !errors.As(err, &ee) || !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v; want EmitError wrapping ErrClosed", err)
	}
}

func TestEmitNothingIsNoop(t *testing.T) {
	_, port := listen(t)
	s := testSettings(port)
	e, err := Dial("cam1", s, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer e.Close()
	if err := e.Emit(nil, s); err != nil {
		t.Fatalf("Emit(nil) = %v", err)
	}
	if st := e.Stats(); st.Sent != 0 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
