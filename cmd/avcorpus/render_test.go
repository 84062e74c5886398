package main

import (
	"strings"
	"testing"
	"time"

	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/service"
)

func TestRenderCounts(t *testing.T) {
	out := renderCounts(domain.StatusCounts{
		domain.ItemStatusDone:    3,
		domain.ItemStatusDead:    1,
		domain.ItemStatusPending: 0,
	})
	for _, want := range []string{"done", "75.0%", "25.0%", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("counts table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderDeadItemsNotesTruncation(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := renderDeadItems([]service.DeadItem{
		{ID: "vid1", Class: domain.ClassNotFound, Attempts: 1, LastError: "HTTP 404", LastAttempt: &at},
	}, 3)
	for _, want := range []string{"vid1", "not_found", "HTTP 404", "1 of 3 dead items shown"} {
		if !strings.Contains(out, want) {
			t.Errorf("dead table missing %q:\n%s", want, out)
		}
	}
}

func TestPercentAndClip(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{percent(0, 0), "-"},
		{percent(1, 3), "33.3%"},
		{clip("short", 10), "short"},
		{clip("abcdefghij", 5), "abcd…"},
		{shortID("0123456789abcdef"), "01234567"},
		{shortID("abc"), "abc"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
