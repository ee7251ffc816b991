package events

import "sync"

// Handler 事件处理器
type Handler func(event Event)

// Bus 事件总线。
// 编排器对每次逻辑状态迁移调用一次 PublishSync；API 层通过 SubscribeStates
// 获得带缓冲的快照通道用于 SSE 推送。
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	streams  map[int]chan StateEvent
	nextID   int
}

// NewBus 创建新的事件总线
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		streams:  make(map[int]chan StateEvent),
	}
}

// Subscribe 订阅指定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 订阅所有事件
func (b *Bus) SubscribeAll(handler Handler) {
	b.Subscribe(EventAll, handler)
}

// SubscribeStates 订阅状态快照流，返回通道和取消函数。
// 通道带缓冲；消费方落后时丢弃最旧快照而不是阻塞发布方。
func (b *Bus) SubscribeStates(buffer int) (<-chan StateEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan StateEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish 发布事件（处理器异步执行）
func (b *Bus) Publish(event Event) {
	for _, h := range b.snapshotHandlers(event.Type()) {
		go h(event)
	}
	b.fanOutState(event)
}

// PublishSync 发布事件（处理器同步执行）
func (b *Bus) PublishSync(event Event) {
	for _, h := range b.snapshotHandlers(event.Type()) {
		h(event)
	}
	b.fanOutState(event)
}

// snapshotHandlers 在锁内复制处理器列表，避免在锁内执行用户代码。
func (b *Bus) snapshotHandlers(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, 0, len(b.handlers[t])+len(b.handlers[EventAll]))
	handlers = append(handlers, b.handlers[t]...)
	handlers = append(handlers, b.handlers[EventAll]...)
	return handlers
}

func (b *Bus) fanOutState(event Event) {
	se, ok := event.(StateEvent)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.streams {
		for {
			select {
			case ch <- se:
			default:
				// 满了：丢最旧的一条再重试
				select {
				case <-ch:
					continue
				default:
				}
			}
			break
		}
	}
}
