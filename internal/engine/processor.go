package engine

// DropReason 说明事件被事件处理器丢弃的原因。
type DropReason string

const (
	DropNone      DropReason = ""
	DropDuplicate DropReason = "duplicate"
	DropStaleSeq  DropReason = "stale_sequence"
)

// DefaultDedupCapacity 为幂等键集合的默认容量。
const DefaultDedupCapacity = 1000

// Processor 在事件进入转移函数之前完成去重与排序过滤。
// 幂等键集合有界，溢出时按插入顺序 FIFO 淘汰（环形缓冲 + 哈希集合，
// 淘汰顺序是确定性的）。序列号按订单维度单调递增，过期序列被丢弃。
type Processor struct {
	capacity int
	seen     map[string]struct{}
	ring     []string
	head     int
	count    int

	lastSeq map[string]int64
}

// NewProcessor 创建事件处理器，capacity<=0 时使用默认容量。
func NewProcessor(capacity int) *Processor {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Processor{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		ring:     make([]string, capacity),
		lastSeq:  make(map[string]int64),
	}
}

// Accept 判断事件是否应交付给转移函数。
// 返回 false 时事件被丢弃，DropReason 说明原因；返回 true 时同时登记其幂等键与序列号。
func (p *Processor) Accept(ev ExecutionEvent) (bool, DropReason) {
	key := ev.DedupKey()
	if _, ok := p.seen[key]; ok {
		return false, DropDuplicate
	}

	if ev.Sequence > 0 && ev.OrderID != "" {
		if last, ok := p.lastSeq[ev.OrderID]; ok && ev.Sequence <= last {
			return false, DropStaleSeq
		}
	}

	p.remember(key)
	if ev.Sequence > 0 && ev.OrderID != "" {
		p.lastSeq[ev.OrderID] = ev.Sequence
	}
	return true, DropNone
}

// Seen 返回某个幂等键此前是否被接受过。
func (p *Processor) Seen(key string) bool {
	_, ok := p.seen[key]
	return ok
}

// ForgetOrder 清理某订单的序列号记录，在挂单彻底终结后调用。
func (p *Processor) ForgetOrder(orderID string) {
	delete(p.lastSeq, orderID)
}

// Size 返回当前保存的幂等键数量。
func (p *Processor) Size() int {
	return p.count
}

func (p *Processor) remember(key string) {
	if p.count == p.capacity {
		oldest := p.ring[p.head]
		delete(p.seen, oldest)
		p.ring[p.head] = key
		p.head = (p.head + 1) % p.capacity
	} else {
		p.ring[(p.head+p.count)%p.capacity] = key
		p.count++
	}
	p.seen[key] = struct{}{}
}
