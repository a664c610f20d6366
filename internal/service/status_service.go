package service

import (
	"context"
	"sync"
	"time"

	"rag-chat-client/internal/model"
	"rag-chat-client/pkg/backend"
	"rag-chat-client/pkg/log"
)

const defaultProbeTimeout = 5 * time.Second

// HealthChecker 探测后端是否可用，由 backend.Client 实现。
type HealthChecker interface {
	Health(ctx context.Context) (*backend.HealthResponse, error)
}

// StatusService 维护 ApiStatus。状态只由探测和最近一轮对话的结果驱动。
type StatusService interface {
	Probe(ctx context.Context) model.APIStatus
	Set(state model.APIState, message string)
	Status() model.APIStatus
	Subscribe(fn func(model.APIStatus)) (unsubscribe func())
}

type statusService struct {
	health HealthChecker
	now    func() time.Time

	mu     sync.Mutex
	status model.APIStatus
	seq    int
	subs   map[int]func(model.APIStatus)
}

// NewStatusService 创建一个处于 checking 状态的 StatusService。
func NewStatusService(health HealthChecker) StatusService {
	s := &statusService{
		health: health,
		now:    time.Now,
		subs:   make(map[int]func(model.APIStatus)),
	}
	s.status = model.APIStatus{State: model.APIChecking, Message: "Checking connection…", CheckedAt: s.now()}
	return s
}

// Probe 调用 /health 并据此更新状态。
func (s *statusService) Probe(ctx context.Context) model.APIStatus {
	s.Set(model.APIChecking, "Checking connection…")

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	resp, err := s.health.Health(ctx)
	switch {
	case err != nil:
		log.Warnw("health probe failed", "error", err)
		s.Set(model.APIError, "Backend unreachable: "+err.Error())
	case resp.Status != "healthy" && resp.Status != "ok":
		s.Set(model.APIError, "Backend reports status "+resp.Status)
	default:
		s.Set(model.APIOK, "Connected")
	}
	return s.Status()
}

func (s *statusService) Set(state model.APIState, message string) {
	s.mu.Lock()
	s.status = model.APIStatus{State: state, Message: message, CheckedAt: s.now()}
	current := s.status
	fns := make([]func(model.APIStatus), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(current)
	}
}

func (s *statusService) Status() model.APIStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *statusService) Subscribe(fn func(model.APIStatus)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.seq
	s.seq++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
