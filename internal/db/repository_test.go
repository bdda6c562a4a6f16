package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestCollectSubscriptionPages_DrainsEveryPage(t *testing.T) {
	// More rows than one page so the old single-page behavior would
	// truncate the fan-out.
	const total = 2500
	const pageSize = 1000

	all := make([]*Subscription, total)
	for i := range all {
		all[i] = &Subscription{ID: uuid.New(), Channel: ChannelEmail, Active: true}
	}

	var offsets []int
	fetch := func(limit, offset int) ([]*Subscription, error) {
		offsets = append(offsets, offset)
		if offset >= total {
			return nil, nil
		}
		end := offset + limit
		if end > total {
			end = total
		}
		return all[offset:end], nil
	}

	got, err := collectSubscriptionPages(pageSize, fetch)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(got) != total {
		t.Fatalf("expected %d subscriptions, got %d", total, len(got))
	}
	for i, sub := range got {
		if sub.ID != all[i].ID {
			t.Fatalf("row %d out of order", i)
		}
	}

	wantOffsets := []int{0, 1000, 2000}
	if len(offsets) != len(wantOffsets) {
		t.Fatalf("expected %d page fetches, got %d: %v", len(wantOffsets), len(offsets), offsets)
	}
	for i, off := range wantOffsets {
		if offsets[i] != off {
			t.Errorf("fetch %d requested offset %d, want %d", i, offsets[i], off)
		}
	}
}

func TestCollectSubscriptionPages_ExactPageBoundary(t *testing.T) {
	// A result that fills the last page exactly needs one extra empty
	// fetch to terminate.
	const total = 2000
	const pageSize = 1000

	all := make([]*Subscription, total)
	for i := range all {
		all[i] = &Subscription{ID: uuid.New(), Channel: ChannelWebhook, Active: true}
	}

	fetch := func(limit, offset int) ([]*Subscription, error) {
		if offset >= total {
			return nil, nil
		}
		return all[offset : offset+limit], nil
	}

	got, err := collectSubscriptionPages(pageSize, fetch)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(got) != total {
		t.Errorf("expected %d subscriptions, got %d", total, len(got))
	}
}

func TestCollectSubscriptionPages_PropagatesErrors(t *testing.T) {
	fetchErr := errors.New("connection lost")
	calls := 0
	fetch := func(limit, offset int) ([]*Subscription, error) {
		calls++
		if calls == 2 {
			return nil, fmt.Errorf("page at offset %d: %w", offset, fetchErr)
		}
		page := make([]*Subscription, limit)
		for i := range page {
			page[i] = &Subscription{ID: uuid.New(), Active: true}
		}
		return page, nil
	}

	_, err := collectSubscriptionPages(1000, fetch)
	if !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error to propagate, got: %v", err)
	}
}
