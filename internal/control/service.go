// Package control exposes the classifier lifecycle as NATS request/reply
// operations and broadcasts training progress and classification results.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/protocol"
	"github.com/loqalabs/loqa-sound/internal/soundclass"
	"github.com/nats-io/nats.go"
)

// Error codes carried in protocol.ControlReply.Code.
const (
	CodeModelLoad        = "model_load"
	CodeInsufficientData = "insufficient_data"
	CodeMode             = "mode"
	CodeNoModel          = "no_model"
	CodeStream           = "stream"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

type handlerFunc func(ctx context.Context, req protocol.ControlRequest) error

type Service struct {
	cfg    config.ControlConfig
	nodeID string
	bus    *bus.Client
	ext    *soundclass.Extractor
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(parent context.Context, cfg config.ControlConfig, nodeID string, busClient *bus.Client, ext *soundclass.Extractor, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		nodeID: nodeID,
		bus:    busClient,
		ext:    ext,
		log:    log.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to every control subject under the configured prefix.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]handlerFunc{
		protocol.SubjectClassification: s.handleClassification,
		protocol.SubjectExample:        s.handleExample,
		protocol.SubjectTrain:          s.handleTrain,
		protocol.SubjectClassify:       s.handleClassify,
		protocol.SubjectStop:           s.handleStop,
		protocol.SubjectSave:           s.handleSave,
		protocol.SubjectLoad:           s.handleLoad,
		protocol.SubjectStatus:         func(context.Context, protocol.ControlRequest) error { return nil },
	}
	for rel, h := range handlers {
		subject := s.subject(rel)
		sub, err := s.bus.Conn().Subscribe(subject, s.dispatch(rel, h))
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready.Store(true)
	s.log.Info("control service started", slog.String("prefix", s.cfg.SubjectPrefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) subject(rel string) string {
	return protocol.Subject(s.cfg.SubjectPrefix, rel)
}

// dispatch runs each request on its own goroutine so a long training run
// does not block the other subjects. The extractor serializes operations.
func (s *Service) dispatch(op string, h handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var req protocol.ControlRequest
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					s.respond(msg, protocol.ControlReply{Code: CodeBadRequest, Error: fmt.Sprintf("decode request: %v", err)})
					return
				}
			}
			start := time.Now()
			err := h(s.ctx, req)
			reply := s.statusReply()
			if err != nil {
				reply.OK = false
				reply.Code = codeOf(err)
				reply.Error = err.Error()
				s.log.Warn("control request failed",
					slog.String("op", op),
					slog.String("code", reply.Code),
					slogError(err))
			} else {
				s.log.Debug("control request handled", slog.String("op", op), slog.Duration("elapsed", time.Since(start)))
			}
			s.respond(msg, reply)
		}()
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("encode control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("control reply failed", slogError(err))
	}
}

func (s *Service) statusReply() protocol.ControlReply {
	st := s.ext.Status(s.ctx)
	reply := protocol.ControlReply{
		OK:         true,
		State:      st.State,
		Mode:       st.Mode,
		WordLabels: st.WordLabels,
		Examples:   st.Examples,
	}
	if st.Error != "" {
		reply.OK = false
		reply.Code = CodeModelLoad
		reply.Error = st.Error
	}
	return reply
}

func (s *Service) handleClassification(ctx context.Context, req protocol.ControlRequest) error {
	_, err := s.ext.Classification(ctx, optionsOf(req.Options))
	return err
}

func (s *Service) handleExample(ctx context.Context, req protocol.ControlRequest) error {
	_, err := s.ext.AddExample(ctx, soundclass.ExampleRequest{Label: req.Label})
	return err
}

func (s *Service) handleTrain(ctx context.Context, _ protocol.ControlRequest) error {
	return s.ext.Train(ctx, func(p soundclass.Progress) {
		err := s.bus.PublishJSON(s.subject(protocol.SubjectTrainProgress), protocol.TrainingProgress{
			NodeID:    s.nodeID,
			Epoch:     p.Epoch,
			Loss:      p.Loss,
			Done:      p.Done,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.log.Warn("publish training progress", slogError(err))
		}
	})
}

func (s *Service) handleClassify(ctx context.Context, req protocol.ControlRequest) error {
	return s.ext.Classify(ctx, soundclass.ClassifyRequest{TopK: req.TopK}, s.publishResult)
}

func (s *Service) publishResult(preds []soundclass.Prediction, err error) {
	result := protocol.ClassificationResult{NodeID: s.nodeID, Timestamp: time.Now().UTC()}
	subject := s.subject(protocol.SubjectClassifyResult)
	if err != nil {
		result.Error = err.Error()
		subject = s.subject(protocol.SubjectClassifyError)
	}
	for _, p := range preds {
		result.Predictions = append(result.Predictions, protocol.Prediction{Label: p.Label, Confidence: p.Confidence})
	}
	if err := s.bus.PublishJSON(subject, result); err != nil {
		s.log.Warn("publish classification result", slogError(err))
	}
}

func (s *Service) handleStop(ctx context.Context, _ protocol.ControlRequest) error {
	return s.ext.Stop(ctx)
}

func (s *Service) handleSave(ctx context.Context, req protocol.ControlRequest) error {
	return s.ext.Save(ctx, s.path(req.Path))
}

func (s *Service) handleLoad(ctx context.Context, req protocol.ControlRequest) error {
	_, err := s.ext.Load(ctx, s.path(req.Path))
	return err
}

func (s *Service) path(p string) string {
	if strings.TrimSpace(p) == "" {
		return s.cfg.ModelPath
	}
	return p
}

func optionsOf(p *protocol.ListenerParams) *soundclass.Options {
	if p == nil {
		return nil
	}
	return &soundclass.Options{
		ProbabilityThreshold: p.ProbabilityThreshold,
		OverlapFactor:        p.OverlapFactor,
		InvokeOnUnknown:      p.InvokeOnUnknown,
		IncludeEmbedding:     p.IncludeEmbedding,
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, soundclass.ErrModelLoad):
		return CodeModelLoad
	case errors.Is(err, soundclass.ErrInsufficientData):
		return CodeInsufficientData
	case errors.Is(err, soundclass.ErrMode):
		return CodeMode
	case errors.Is(err, soundclass.ErrNoModel):
		return CodeNoModel
	case errors.Is(err, soundclass.ErrStream):
		return CodeStream
	case errors.Is(err, soundclass.ErrInvalidOptions):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
