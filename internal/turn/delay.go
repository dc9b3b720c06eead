package turn

import (
	"time"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
)

// Delay kinds persisted into assistant meta.
const (
	DelayNormal         = "normal"
	DelayRareLong       = "rare_long"
	DelayInactivityLong = "inactivity_long"
	DelayPhoto          = "photo"
	DelayVoice          = "voice"
)

// DelayDecision is the chosen pre-send pause.
type DelayDecision struct {
	Kind    string
	Seconds float64
	// StampLongPause marks that last_long_pause_reply_at must be set to now
	// when the turn persists.
	StampLongPause bool
}

// decideDelay picks the reply delay. Priority: a long pause after real
// inactivity, then the rare random long pause, then media-specific pacing,
// then the normal jitter.
func decideDelay(now time.Time, prevUserTS, lastAssistantAt, lastLongPause *time.Time, media *Media, cfg config.ReplyDelayConfig, rnd clock.Rand) DelayDecision {
	if prev := laterOf(prevUserTS, lastAssistantAt); prev != nil {
		threshold := time.Duration(cfg.InactivityLongThresholdMinutes) * time.Minute
		if now.Sub(*prev) >= threshold && (lastLongPause == nil || prev.After(*lastLongPause)) {
			return DelayDecision{
				Kind:           DelayInactivityLong,
				Seconds:        float64(rnd.JitterSeconds(cfg.InactivityLongMinSeconds, cfg.InactivityLongMaxSeconds)),
				StampLongPause: true,
			}
		}
	}

	if cfg.RareLongProb > 0 && rnd.Float64() < cfg.RareLongProb {
		return DelayDecision{
			Kind:    DelayRareLong,
			Seconds: float64(rnd.JitterSeconds(cfg.RareLongMinSeconds, cfg.RareLongMaxSeconds)),
		}
	}

	if media != nil {
		switch media.Kind {
		case MediaPhoto:
			return DelayDecision{
				Kind:    DelayPhoto,
				Seconds: float64(rnd.JitterSeconds(cfg.PhotoMinSeconds, cfg.PhotoMaxSeconds)),
			}
		case MediaVoice, MediaAudio:
			dur := clampFloat(media.Duration, 1.5, 120)
			return DelayDecision{
				Kind:    DelayVoice,
				Seconds: dur + float64(rnd.JitterSeconds(cfg.VoiceExtraMinSeconds, cfg.VoiceExtraMaxSeconds)),
			}
		}
	}

	return DelayDecision{
		Kind:    DelayNormal,
		Seconds: float64(rnd.JitterSeconds(cfg.MinSeconds, cfg.MaxSeconds)),
	}
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
