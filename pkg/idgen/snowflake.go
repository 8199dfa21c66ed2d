package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Snowflake ids
// ============================================================================
//
//   0 | 41 bits millisecond timestamp | 10 bits worker | 12 bits sequence
//
// Ids are unique per worker and trend upward, which keeps the primary key
// index of transfer_request append-friendly.
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Reference prefixes.
const (
	PrefixTransfer    = "TRF"
	PrefixTransaction = "TXN"
	PrefixSubAccount  = "SUB"
	PrefixLoan        = "LON"
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator = &Snowflake{workerID: 1}
	initOnce         sync.Once
)

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID must be within 0-%d", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init replaces the default generator's worker id. Only the first call wins.
func Init(workerID int64) error {
	var err error
	initOnce.Do(func() {
		var g *Snowflake
		g, err = NewSnowflake(workerID)
		if err == nil {
			defaultGenerator = g
		}
	})
	return err
}

func NextID() int64 {
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// clock moved backwards; stay on the last issued millisecond
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// Generate formats prefix + yyyyMMddHHmmss (UTC) + snowflake id.
func Generate(prefix string) string {
	id := NextID()
	return fmt.Sprintf("%s%s%d", prefix, time.Now().UTC().Format("20060102150405"), id)
}

func GenerateTransferNo() string {
	return Generate(PrefixTransfer)
}

func GenerateTransactionNo() string {
	return Generate(PrefixTransaction)
}

func GenerateSubAccountTransactionNo() string {
	return Generate(PrefixSubAccount)
}

func GenerateLoanNo() string {
	return Generate(PrefixLoan)
}

// NewIdempotencyKey is used when the caller supplied none.
func NewIdempotencyKey() string {
	return "sys-" + uuid.NewString()
}

func NewSagaID() string {
	return uuid.NewString()
}
