package store

import "sync"

// ChangeKind 标识一次变更的类型。
type ChangeKind int

const (
	ConversationCreated ChangeKind = iota + 1
	ConversationSelected
	ConversationDeleted
	ConversationUpdated
	MessageAppended
	FragmentAppended
	MessageFinalized
)

func (k ChangeKind) String() string {
	switch k {
	case ConversationCreated:
		return "conversation_created"
	case ConversationSelected:
		return "conversation_selected"
	case ConversationDeleted:
		return "conversation_deleted"
	case ConversationUpdated:
		return "conversation_updated"
	case MessageAppended:
		return "message_appended"
	case FragmentAppended:
		return "fragment_appended"
	case MessageFinalized:
		return "message_finalized"
	default:
		return "unknown"
	}
}

// Change 是发给订阅者的变更通知。Fragment 仅在 FragmentAppended 时有值。
type Change struct {
	Kind      ChangeKind
	LocalID   string
	MessageID int64
	Fragment  string
}

type subscribers struct {
	mu     sync.Mutex
	next   int
	fns    map[int]func(Change)
	notify sync.Mutex // 串行化回调，保证同一订阅者按发布顺序收到通知
}

func newSubscribers() *subscribers {
	return &subscribers{fns: make(map[int]func(Change))}
}

// Subscribe 注册一个变更回调，返回取消订阅的函数。回调中不要再修改 Store。
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subs.mu.Lock()
	id := s.subs.next
	s.subs.next++
	s.subs.fns[id] = fn
	s.subs.mu.Unlock()

	return func() {
		s.subs.mu.Lock()
		delete(s.subs.fns, id)
		s.subs.mu.Unlock()
	}
}

func (s *subscribers) publish(c Change) {
	s.mu.Lock()
	if len(s.fns) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func(Change), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.notify.Lock()
	defer s.notify.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
