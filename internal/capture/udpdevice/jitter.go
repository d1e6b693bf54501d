package udpdevice

import "sort"

// jitterBuffer restores sequence order for packets that arrive up to maxGap
// positions early. Sequence numbers are compared with wraparound.
type jitterBuffer struct {
	maxGap   uint32
	started  bool
	expected uint32
	pending  map[uint32][]byte

	delivered uint64
	lost      uint64
	late      uint64
}

// JitterStats represents reordering statistics for monitoring
type JitterStats struct {
	Delivered uint64 `json:"delivered_packets"`
	Lost      uint64 `json:"lost_packets"`
	Late      uint64 `json:"late_packets"`
	Pending   int    `json:"pending_packets"`
}

func newJitterBuffer(maxGap uint32) *jitterBuffer {
	return &jitterBuffer{
		maxGap:  maxGap,
		pending: make(map[uint32][]byte),
	}
}

// ahead reports how far seq is past the expected sequence; negative means
// the packet is older than what was already delivered.
func (j *jitterBuffer) ahead(seq uint32) int64 {
	return int64(int32(seq - j.expected))
}

// push adds a packet and returns the payloads that are now in order, plus
// how many sequence numbers were given up as lost.
func (j *jitterBuffer) push(seq uint32, data []byte) (ready [][]byte, lost int) {
	if !j.started {
		j.started = true
		j.expected = seq
	}

	d := j.ahead(seq)
	switch {
	case d < 0:
		j.late++
		return nil, 0
	case d == 0:
		ready = append(ready, data)
		j.expected++
	default:
		if _, dup := j.pending[seq]; dup {
			j.late++
			return nil, 0
		}
		j.pending[seq] = data

		// Give up on the oldest gaps once the window is exceeded.
		for j.ahead(seq) > int64(j.maxGap) {
			if p, ok := j.pending[j.expected]; ok {
				ready = append(ready, p)
				delete(j.pending, j.expected)
			} else {
				lost++
			}
			j.expected++
		}
	}

	ready = j.drain(ready)
	j.delivered += uint64(len(ready))
	j.lost += uint64(lost)
	return ready, lost
}

// flush releases everything still pending in sequence order, skipping gaps.
func (j *jitterBuffer) flush() (ready [][]byte, lost int) {
	if len(j.pending) == 0 {
		return nil, 0
	}

	offsets := make([]int64, 0, len(j.pending))
	for seq := range j.pending {
		offsets = append(offsets, j.ahead(seq))
	}
	sort.Slice(offsets, func(a, b int) bool { return offsets[a] < offsets[b] })

	var prev int64 = -1
	for _, off := range offsets {
		seq := j.expected + uint32(off)
		lost += int(off - prev - 1)
		ready = append(ready, j.pending[seq])
		delete(j.pending, seq)
		prev = off
	}
	j.expected += uint32(prev + 1)

	j.delivered += uint64(len(ready))
	j.lost += uint64(lost)
	return ready, lost
}

func (j *jitterBuffer) drain(ready [][]byte) [][]byte {
	for {
		p, ok := j.pending[j.expected]
		if !ok {
			return ready
		}
		ready = append(ready, p)
		delete(j.pending, j.expected)
		j.expected++
	}
}

func (j *jitterBuffer) stats() JitterStats {
	return JitterStats{
		Delivered: j.delivered,
		Lost:      j.lost,
		Late:      j.late,
		Pending:   len(j.pending),
	}
}
