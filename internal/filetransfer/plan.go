package filetransfer

import (
	"crypto/sha256"

	"github.com/juju/errors"
)

const (
	ChunkSize        = 1000000 // nominal wire size of one chunk
	HashSize         = sha256.Size
	FramingSize      = 2 * HashSize // previous hash + current hash
	ChunkPayloadSize = ChunkSize - FramingSize
	MinPacketSize    = FramingSize + 1
)

type Digest [HashSize]byte

// TransferPlan is immutable after NewTransferPlan.
type TransferPlan struct {
	FileName       string
	TotalSize      int64
	ExpectedDigest Digest
	ChunkSizes     []int
}

func NewTransferPlan(fileName string, totalSize int64, digest Digest) (*TransferPlan, error) {
	if totalSize < 0 {
		return nil, errors.NotValidf("file=%s size=%d", fileName, totalSize)
	}
	return &TransferPlan{
		FileName:       fileName,
		TotalSize:      totalSize,
		ExpectedDigest: digest,
		ChunkSizes:     PlanChunks(totalSize),
	}, nil
}

// PlanChunks returns wire sizes of chunks for a file of totalSize bytes.
// Every chunk except the last one carries ChunkPayloadSize bytes of data.
func PlanChunks(totalSize int64) []int {
	if totalSize <= 0 {
		return []int{}
	}
	full := totalSize / ChunkPayloadSize
	leftover := totalSize % ChunkPayloadSize
	n := full
	if leftover > 0 {
		n++
	}
	sizes := make([]int, 0, n)
	for i := int64(0); i < full; i++ {
		sizes = append(sizes, ChunkSize)
	}
	if leftover > 0 {
		sizes = append(sizes, int(leftover)+FramingSize)
	}
	return sizes
}

func (p *TransferPlan) ChunkCount() int { return len(p.ChunkSizes) }
