package checkpoint

import (
	"sort"
	"sync"
)

type TopicPartition struct {
	Topic     string
	Partition int32
}

// Coordinator owns the ledgers of all partitions currently assigned to this
// process. Its lock only guards assignment changes; each ledger
// synchronises itself, so partitions never contend with each other.
type Coordinator struct {
	capacity int

	mu      sync.RWMutex
	ledgers map[TopicPartition]*Ledger
}

// NewCoordinator creates ledgers that allow up to capacity unresolved
// offsets per partition. A capacity of 1 serialises each partition.
func NewCoordinator(capacity int) *Coordinator {
	return &Coordinator{capacity: capacity, ledgers: map[TopicPartition]*Ledger{}}
}

// Open starts a ledger for a newly assigned partition, replacing any
// previous ledger for it.
func (c *Coordinator) Open(topic string, partition int32, committed int64, commit CommitFunc) *Ledger {
	l := NewLedger(topic, partition, committed, c.capacity, commit)
	c.mu.Lock()
	c.ledgers[TopicPartition{topic, partition}] = l
	c.mu.Unlock()
	return l
}

// Close forgets a revoked partition, unless it has been re-opened since.
func (c *Coordinator) Close(l *Ledger) {
	tp := TopicPartition{l.topic, l.partition}
	c.mu.Lock()
	if c.ledgers[tp] == l {
		delete(c.ledgers, tp)
	}
	c.mu.Unlock()
}

func (c *Coordinator) Ledger(topic string, partition int32) (*Ledger, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.ledgers[TopicPartition{topic, partition}]
	return l, ok
}

// Snapshot returns the status of every open ledger ordered by topic and
// partition.
func (c *Coordinator) Snapshot() []PartitionStatus {
	c.mu.RLock()
	list := make([]*Ledger, 0, len(c.ledgers))
	for _, l := range c.ledgers {
		list = append(list, l)
	}
	c.mu.RUnlock()

	out := make([]PartitionStatus, 0, len(list))
	for _, l := range list {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
