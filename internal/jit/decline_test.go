package jit

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestDeclineMessage(t *testing.T) {
	for _, reason := range domain.DeclineReasons {
		msg := DeclineMessage(reason)
		if reason == domain.DeclineNone {
			if msg != "" {
				t.Errorf("expected empty message for None, got %q", msg)
			}
			continue
		}
		if msg == "" {
			t.Errorf("missing message for %s", reason)
		}
	}

	if msg := DeclineMessage(domain.DeclineReason(99)); msg != "" {
		t.Errorf("expected empty message for unknown reason, got %q", msg)
	}
}
