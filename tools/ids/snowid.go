package ids

import (
	"strconv"
	"sync"
	"time"

	"PPRoom/tools/errs"
)

const (
	seqBits  = 12
	nodeBits = 10
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator 雪花ID：41 位毫秒时间戳 | 10 位节点 | 12 位序列
type Generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() time.Time
}

var (
	defaultGen = mustGenerator(1)
	defaultMu  sync.RWMutex
)

func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, errs.ErrArgs.WrapMsg("snowflake node id out of range", "node_id", nodeID)
	}
	return &Generator{epochMS: epoch.UnixMilli(), nodeID: nodeID, now: time.Now}, nil
}

func mustGenerator(nodeID int64) *Generator {
	g, err := NewGenerator(nodeID)
	if err != nil {
		panic(err)
	}
	return g
}

// SetNodeID 设置默认生成器的 nodeID（0~1023），在 main() 初始化时调用
func SetNodeID(nodeID int64) error {
	g, err := NewGenerator(nodeID)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultGen = g
	defaultMu.Unlock()
	return nil
}

// Generate 用默认生成器生成一个新的雪花ID
func Generate() int64 {
	defaultMu.RLock()
	g := defaultGen
	defaultMu.RUnlock()
	return g.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// Next 单调递增；时钟回拨时等待追上
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & seqMask
			if g.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - g.epochMS) & (1<<41 - 1)
		return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
	}
}

// NodeOf 从 ID 中取回节点号
func NodeOf(id int64) int64 {
	return (id >> seqBits) & maxNode
}
