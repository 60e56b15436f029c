package broker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/kestrel-iot/shadowd/internal/testutil/testlog"
)

func TestNextReconnectDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := ReconnectConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextReconnectDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextReconnectDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextReconnectDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextReconnectDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextReconnectDelayJitterStaysInBounds(t *testing.T) {
	testlog.Start(t)
	cfg := ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
	// Jitter scales the clamped delay by [0.5, 1.5).
	ceiling := cfg.MaxDelay + cfg.MaxDelay/2
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt <= 8; attempt++ {
		got := NextReconnectDelay(cfg, attempt, rng)
		if got <= 0 {
			t.Fatalf("attempt=%d delay not positive: %v", attempt, got)
		}
		if got >= ceiling {
			t.Fatalf("attempt=%d delay=%v exceeds ceiling=%v", attempt, got, ceiling)
		}
	}
}

func TestNextReconnectDelayClampsBadAttempt(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultReconnectConfig()
	cfg.Jitter = false
	if got := NextReconnectDelay(cfg, 0, nil); got != cfg.InitialDelay {
		t.Fatalf("attempt0 got=%v want=%v", got, cfg.InitialDelay)
	}
	if got := NextReconnectDelay(cfg, -3, nil); got != cfg.InitialDelay {
		t.Fatalf("negative attempt got=%v want=%v", got, cfg.InitialDelay)
	}
}
