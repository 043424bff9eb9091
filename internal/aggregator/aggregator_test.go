package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mediabroker/internal/domain"
)

func items(statuses ...domain.ItemStatus) []domain.ProcessingItem {
	out := make([]domain.ProcessingItem, len(statuses))
	for i, s := range statuses {
		out[i] = domain.ProcessingItem{Status: s}
	}
	return out
}

func TestAggregate_NoItemsIsPending(t *testing.T) {
	s := Aggregate(nil)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, 0, s.Progress)
}

func TestAggregate_AllCompletedIsCompletedAt100(t *testing.T) {
	s := Aggregate(items(domain.StatusCompleted, domain.StatusCompleted))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
}

func TestAggregate_OneFailedAmongTerminalIsFailed(t *testing.T) {
	s := Aggregate(items(domain.StatusCompleted, domain.StatusFailed))
	assert.Equal(t, StatusFailed, s.Status)
}

func TestAggregate_ActiveStageTakesPrecedenceOverFailed(t *testing.T) {
	// One episode failed, another is still downloading: the request is
	// still actively progressing, so it isn't reported as failed yet.
	s := Aggregate(items(domain.StatusFailed, domain.StatusDownloading))
	assert.Equal(t, StatusDownloading, s.Status)
}

func TestAggregate_FurthestActiveStageWins(t *testing.T) {
	s := Aggregate(items(domain.StatusSearching, domain.StatusEncoding, domain.StatusDownloading))
	assert.Equal(t, StatusEncoding, s.Status)
}

func TestAggregate_AwaitingWithNoActiveItemsIsAwaiting(t *testing.T) {
	s := Aggregate(items(domain.StatusAwaiting, domain.StatusCompleted))
	assert.Equal(t, StatusAwaiting, s.Status)
}

func TestAggregate_QualityUnavailableWithNoActiveItems(t *testing.T) {
	s := Aggregate(items(domain.StatusQualityUnavailable))
	assert.Equal(t, StatusQualityUnavailable, s.Status)
}

func TestAggregate_AllCancelledIsCancelled(t *testing.T) {
	s := Aggregate(items(domain.StatusCancelled, domain.StatusCancelled))
	assert.Equal(t, StatusCancelled, s.Status)
}

func TestAggregate_CompletedPlusCancelledIsCompleted(t *testing.T) {
	s := Aggregate(items(domain.StatusCompleted, domain.StatusCancelled))
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestAggregate_ProgressAveragesAcrossItems(t *testing.T) {
	one := domain.ProcessingItem{Status: domain.StatusCompleted}
	two := domain.ProcessingItem{Status: domain.StatusPending}
	s := Aggregate([]domain.ProcessingItem{one, two})
	assert.Equal(t, 50, s.Progress) // (100 + 0) / 2
}

func TestAggregate_InProgressStepProgressPlacesWithinBand(t *testing.T) {
	it := domain.ProcessingItem{Status: domain.StatusDownloading, Progress: 50}
	s := Aggregate([]domain.ProcessingItem{it})
	// downloading band is 15-50, 50% through that band = 32
	assert.Equal(t, 32, s.Progress)
}
