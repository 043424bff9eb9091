// Package aggregator derives a Request's overall status and progress from
// the ProcessingItems it owns. Neither field is ever stored on the
// Request itself — it is always recomputed from current item state, the
// same "roll child results up into a parent status" shape the archive
// pipeline uses for its per-stage ArchiveJob.
package aggregator

import "mediabroker/internal/domain"

// Status is the Request-level status derived from its items.
type Status string

const (
	StatusPending            Status = "pending"
	StatusSearching          Status = "searching"
	StatusAwaiting           Status = "awaiting"
	StatusQualityUnavailable Status = "quality_unavailable"
	StatusDownloading        Status = "downloading"
	StatusEncoding           Status = "encoding"
	StatusDelivering         Status = "delivering"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// progressBand gives each item status a [low, high) range; Progress picks
// a point inside the band proportional to how saturated that stage is.
var progressBand = map[domain.ItemStatus][2]int{
	domain.StatusPending:            {0, 5},
	domain.StatusSearching:          {5, 15},
	domain.StatusAwaiting:           {15, 15},
	domain.StatusQualityUnavailable: {15, 15},
	domain.StatusDownloading:        {15, 50},
	domain.StatusDownloaded:         {50, 50},
	domain.StatusEncoding:           {50, 75},
	domain.StatusEncoded:            {75, 75},
	domain.StatusDelivering:         {75, 99},
	domain.StatusCompleted:          {100, 100},
	domain.StatusFailed:             {0, 0},
	domain.StatusCancelled:          {0, 0},
}

// Summary is the computed view returned for a Request.
type Summary struct {
	Status   Status
	Progress int // 0-100
	Total    int
	Counts   map[domain.ItemStatus]int
}

// Aggregate derives a Request's Summary from its ProcessingItems. A
// Request with no items is StatusPending at 0%.
func Aggregate(items []domain.ProcessingItem) Summary {
	counts := make(map[domain.ItemStatus]int, len(items))
	for _, it := range items {
		counts[it.Status]++
	}

	s := Summary{Total: len(items), Counts: counts}
	if len(items) == 0 {
		s.Status = StatusPending
		return s
	}

	s.Status = deriveStatus(counts, len(items))
	s.Progress = deriveProgress(items)
	return s
}

// deriveStatus applies precedence: completed if every item is completed
// or cancelled and at least one completed; cancelled if every item is
// cancelled; failed if nothing is still actively progressing and at
// least one item failed; otherwise the most advanced active stage wins,
// falling through to awaiting/quality_unavailable/pending.
func deriveStatus(counts map[domain.ItemStatus]int, total int) Status {
	completed := counts[domain.StatusCompleted]
	cancelled := counts[domain.StatusCancelled]
	if completed > 0 && completed+cancelled == total {
		return StatusCompleted
	}
	if cancelled == total {
		return StatusCancelled
	}

	active := activeCount(counts)
	if active == 0 {
		switch {
		case counts[domain.StatusFailed] > 0:
			return StatusFailed
		case counts[domain.StatusQualityUnavailable] > 0:
			return StatusQualityUnavailable
		case counts[domain.StatusAwaiting] > 0:
			return StatusAwaiting
		case cancelled > 0:
			return StatusCancelled
		default:
			return StatusPending
		}
	}

	// Among items still progressing, report the furthest stage any of
	// them has reached — a request is "delivering" the moment any one
	// item enters that stage even if other items are still encoding.
	switch {
	case counts[domain.StatusDelivering] > 0:
		return StatusDelivering
	case counts[domain.StatusEncoding] > 0, counts[domain.StatusEncoded] > 0:
		return StatusEncoding
	case counts[domain.StatusDownloading] > 0, counts[domain.StatusDownloaded] > 0:
		return StatusDownloading
	case counts[domain.StatusSearching] > 0:
		return StatusSearching
	default:
		return StatusPending
	}
}

func activeCount(counts map[domain.ItemStatus]int) int {
	n := 0
	for status, c := range counts {
		if !status.IsTerminal() && status != domain.StatusAwaiting && status != domain.StatusQualityUnavailable && status != domain.StatusPending {
			n += c
		}
	}
	return n
}

// deriveProgress averages each item's banded progress, so a ten-episode
// season request's percentage reflects how far along the whole set is,
// not just the furthest-along episode.
func deriveProgress(items []domain.ProcessingItem) int {
	total := 0
	for _, it := range items {
		total += itemProgress(it)
	}
	return total / len(items)
}

func itemProgress(it domain.ProcessingItem) int {
	band, ok := progressBand[it.Status]
	if !ok {
		return it.Progress
	}
	low, high := band[0], band[1]
	if low == high {
		return low
	}
	// it.Progress, when set by a step (e.g. download/encode percentage),
	// places the item within its band; 0 defaults to the band's floor.
	span := high - low
	return low + (it.Progress*span)/100
}
