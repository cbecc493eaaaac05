package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/natsserver"
	"github.com/loqalabs/loqa-sound/internal/protocol"
	"github.com/loqalabs/loqa-sound/internal/soundclass"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	client *bus.Client
	svc    *Service
	prefix string
}

func newHarness(t *testing.T, base transfer.Base) *harness {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "control-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	training := config.Default().Training
	training.Epochs = 3
	ext := soundclass.New(base, blobs, soundclass.WithLogger(log), soundclass.WithTraining(training))

	cfg := config.ControlConfig{Enabled: true, SubjectPrefix: "test", ModelPath: "default"}
	svc := NewService(context.Background(), cfg, "node-1", client, ext, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	return &harness{client: client, svc: svc, prefix: cfg.SubjectPrefix}
}

func (h *harness) request(t *testing.T, rel string, req protocol.ControlRequest) protocol.ControlReply {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := h.client.Conn().Request(protocol.Subject(h.prefix, rel), data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", rel, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func (h *harness) subscribe(t *testing.T, rel string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 64)
	sub, err := h.client.Conn().ChanSubscribe(protocol.Subject(h.prefix, rel), ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", rel, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func TestControlLifecycle(t *testing.T) {
	h := newHarness(t, &transfer.MockBase{Interval: 5 * time.Millisecond})

	if reply := h.request(t, protocol.SubjectTrain, protocol.ControlRequest{}); reply.OK || reply.Code != CodeMode {
		t.Fatalf("expected mode error before classification, got %+v", reply)
	}

	overlap := 0.25
	reply := h.request(t, protocol.SubjectClassification, protocol.ControlRequest{
		Options: &protocol.ListenerParams{OverlapFactor: &overlap},
	})
	if !reply.OK || reply.Mode != "classifier" {
		t.Fatalf("unexpected classification reply %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectTrain, protocol.ControlRequest{}); reply.Code != CodeInsufficientData {
		t.Fatalf("expected insufficient data, got %+v", reply)
	}

	for _, label := range []string{"yes", "no", "yes"} {
		if reply := h.request(t, protocol.SubjectExample, protocol.ControlRequest{Label: label}); !reply.OK {
			t.Fatalf("example %q failed: %+v", label, reply)
		}
	}

	progress := h.subscribe(t, protocol.SubjectTrainProgress)
	reply = h.request(t, protocol.SubjectTrain, protocol.ControlRequest{})
	if !reply.OK {
		t.Fatalf("train failed: %+v", reply)
	}
	if len(reply.WordLabels) != 2 || reply.WordLabels[0] != "no" || reply.WordLabels[1] != "yes" {
		t.Fatalf("unexpected labels %v", reply.WordLabels)
	}
	if reply.Examples["yes"] != 2 {
		t.Fatalf("unexpected example counts %v", reply.Examples)
	}
	var updates []protocol.TrainingProgress
	timeout := time.After(3 * time.Second)
	for len(updates) < 4 {
		select {
		case msg := <-progress:
			var p protocol.TrainingProgress
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				t.Fatalf("decode progress: %v", err)
			}
			updates = append(updates, p)
		case <-timeout:
			t.Fatalf("expected 4 progress updates, got %d", len(updates))
		}
	}
	if updates[0].Loss != "1.00000" || !updates[3].Done || updates[3].NodeID != "node-1" {
		t.Fatalf("unexpected progress %+v", updates)
	}

	results := h.subscribe(t, protocol.SubjectClassifyResult)
	if reply := h.request(t, protocol.SubjectClassify, protocol.ControlRequest{TopK: 1}); !reply.OK {
		t.Fatalf("classify failed: %+v", reply)
	}
	select {
	case msg := <-results:
		var res protocol.ClassificationResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if len(res.Predictions) != 1 {
			t.Fatalf("expected top-1 prediction, got %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for classification result")
	}

	if reply := h.request(t, protocol.SubjectStop, protocol.ControlRequest{}); !reply.OK || reply.State != "idle" {
		t.Fatalf("stop failed: %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectSave, protocol.ControlRequest{}); !reply.OK {
		t.Fatalf("save failed: %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectLoad, protocol.ControlRequest{Path: "default/model.json"}); !reply.OK {
		t.Fatalf("load failed: %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectLoad, protocol.ControlRequest{Path: "missing"}); reply.OK || reply.Code != CodeModelLoad {
		t.Fatalf("expected model_load for missing path, got %+v", reply)
	}

	status := h.request(t, protocol.SubjectStatus, protocol.ControlRequest{})
	if status.Mode != "classifier" || len(status.WordLabels) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestControlSaveWithoutModel(t *testing.T) {
	h := newHarness(t, &transfer.MockBase{})
	if reply := h.request(t, protocol.SubjectSave, protocol.ControlRequest{}); reply.Code != CodeNoModel {
		t.Fatalf("expected no_model, got %+v", reply)
	}
}

func TestControlReportsLoadFailure(t *testing.T) {
	h := newHarness(t, &transfer.MockBase{LoadErr: io.ErrUnexpectedEOF})
	reply := h.request(t, protocol.SubjectClassification, protocol.ControlRequest{})
	if reply.OK || reply.Code != CodeModelLoad {
		t.Fatalf("expected model_load, got %+v", reply)
	}
}

func TestControlRejectsOutOfRangeOptions(t *testing.T) {
	h := newHarness(t, &transfer.MockBase{})
	overlap, threshold := 5.0, -3.0
	reply := h.request(t, protocol.SubjectClassification, protocol.ControlRequest{
		Options: &protocol.ListenerParams{OverlapFactor: &overlap, ProbabilityThreshold: &threshold},
	})
	if reply.OK || reply.Code != CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", reply)
	}
	if reply.Mode != "unset" {
		t.Fatalf("rejected options must not switch mode, got %q", reply.Mode)
	}
}

func TestControlRejectsBadPayload(t *testing.T) {
	h := newHarness(t, &transfer.MockBase{})
	msg, err := h.client.Conn().Request(protocol.Subject(h.prefix, protocol.SubjectStatus), []byte("{"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Code != CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", reply)
	}
}

func TestCodeOf(t *testing.T) {
	cases := map[error]string{
		soundclass.ErrModelLoad:        CodeModelLoad,
		soundclass.ErrInsufficientData: CodeInsufficientData,
		soundclass.ErrMode:             CodeMode,
		soundclass.ErrNoModel:          CodeNoModel,
		soundclass.ErrStream:           CodeStream,
		soundclass.ErrInvalidOptions:   CodeBadRequest,
		io.EOF:                         CodeInternal,
	}
	for err, want := range cases {
		if got := codeOf(err); got != want {
			t.Fatalf("codeOf(%v) = %q, want %q", err, got, want)
		}
	}
}
