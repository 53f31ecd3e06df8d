package messenger

import (
	"context"
	"math/rand/v2"
	"time"
)

// cycleDelay is the pause after a send that took elapsed.
func cycleDelay(messagesPerMinute int, elapsed, margin time.Duration) time.Duration {
	interval := time.Minute
	if messagesPerMinute > 0 {
		interval = time.Minute / time.Duration(messagesPerMinute)
	}
	return max(interval, elapsed) + margin
}

// humanDelay returns a uniform duration in [lo, hi). It returns lo when the window is empty.
func humanDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func (m *Messenger) pace(ctx context.Context, elapsed time.Duration) error {
	if err := m.cfg.Sleep(ctx, cycleDelay(m.cfg.MessagesPerMinute, elapsed, m.cfg.ErrorMargin)); err != nil {
		return err
	}
	return m.cfg.Sleep(ctx, humanDelay(m.cfg.HumanDelayMin, m.cfg.HumanDelayMax))
}
