package controller

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePriorityRoundTrip(t *testing.T) {
	cases := map[string]Priority{
		"critical": Critical,
		"high":     High,
		"low":      Low,
		"normal":   Normal,
		"garbage":  Normal,
		"":         Normal,
	}
	for s, want := range cases {
		assert.Equal(t, want, ParsePriority(s), "ParsePriority(%q)", s)
	}
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "normal", Normal.String())
}

func TestAdmissionQueueOrdersByPriorityThenInsertionOrder(t *testing.T) {
	q := &admissionQueue{}
	heap.Init(q)

	heap.Push(q, &queueItem{id: "a", priority: Normal, seq: 1})
	heap.Push(q, &queueItem{id: "b", priority: Critical, seq: 2})
	heap.Push(q, &queueItem{id: "c", priority: Normal, seq: 0})
	heap.Push(q, &queueItem{id: "d", priority: High, seq: 3})

	var order []string
	for q.Len() > 0 {
		item := heap.Pop(q).(*queueItem)
		order = append(order, item.id)
	}

	// b (critical) first, then d (high), then c before a (both
	// normal, c has the lower insertion sequence).
	assert.Equal(t, []string{"b", "d", "c", "a"}, order)
}

func TestAdmissionQueueTiebreaksOnSeqWithinSamePriority(t *testing.T) {
	q := &admissionQueue{}
	heap.Init(q)

	for seq := int64(5); seq >= 0; seq-- {
		heap.Push(q, &queueItem{id: "x", priority: Normal, seq: seq})
	}

	var seqs []int64
	for q.Len() > 0 {
		item := heap.Pop(q).(*queueItem)
		seqs = append(seqs, item.seq)
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, seqs)
}
