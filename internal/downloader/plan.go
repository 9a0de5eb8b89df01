package downloader

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	maxChunks = 8

	sizeWeight = 0.75
	cpuWeight  = 0.25
)

type sizeBucket struct {
	below int64
	score float64
}

// Files at or above the last bound score 1.0.
var sizeBuckets = []sizeBucket{
	{below: 2 << 20, score: 0.0},
	{below: 5 << 20, score: 0.2},
	{below: 50 << 20, score: 0.3},
	{below: 200 << 20, score: 0.5},
	{below: 1 << 30, score: 0.7},
}

// countThresholds[i] is the score below which i+1 chunks are used.
var countThresholds = []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// Chunk is one byte range of the destination file. End is inclusive; an End
// below Begin means the range runs to the end of an unsized resource.
type Chunk struct {
	Index     int
	Begin     int64
	End       int64
	Written   int64
	Retries   int
	Completed bool

	// credited is the high-water mark of Written across attempts.
	credited int64
}

// Length returns the size of the range, or -1 when it is open ended.
func (c *Chunk) Length() int64 {
	if c.End < c.Begin {
		return -1
	}
	return c.End - c.Begin + 1
}

func sizeScore(fileSize int64) float64 {
	for _, bucket := range sizeBuckets {
		if fileSize < bucket.below {
			return bucket.score
		}
	}
	return 1.0
}

func cpuScore(concurrency int) float64 {
	return min(float64(concurrency)/float64(maxChunks), 1.0)
}

// ChunkCount maps a file size and CPU concurrency to a number of parallel
// chunks in [1, 8].
func ChunkCount(fileSize int64, concurrency int) int {
	if fileSize <= 0 {
		return 1
	}
	score := sizeWeight*sizeScore(fileSize) + cpuWeight*cpuScore(concurrency)
	for i, threshold := range countThresholds {
		if score < threshold {
			return i + 1
		}
	}
	return maxChunks
}

// PlanChunks partitions [0, fileSize-1] into equal chunks, the last one
// taking the remainder. Unknown sizes and servers without range support get
// a single chunk covering the whole resource.
func PlanChunks(fileSize int64, acceptsRanges bool, concurrency int) []*Chunk {
	if fileSize <= 0 || !acceptsRanges {
		return []*Chunk{{Index: 0, Begin: 0, End: fileSize - 1}}
	}
	count := int64(ChunkCount(fileSize, concurrency))
	if count > fileSize {
		count = fileSize
	}
	chunkSize := fileSize / count
	chunks := make([]*Chunk, 0, count)
	for i := range count {
		begin := i * chunkSize
		end := begin + chunkSize - 1
		if i == count-1 {
			end = fileSize - 1
		}
		chunks = append(chunks, &Chunk{Index: int(i), Begin: begin, End: end})
	}
	return chunks
}

// DetectConcurrency returns the number of logical CPUs.
func DetectConcurrency() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		return runtime.NumCPU()
	}
	return count
}
