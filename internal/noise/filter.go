// Package noise implements the two-tier noise filter (spec.md §4.5, C5)
// that runs ahead of the agent loop: a deterministic, sub-millisecond tier
// that catches the common non-signal cases outright, and an optional LLM
// tier for borderline pre-weights.
package noise

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Reason is the deterministic classification reason for a {noise, reason}
// verdict.
type Reason string

const (
	ReasonEmpty           Reason = "empty"
	ReasonTooShort        Reason = "too_short"
	ReasonAcknowledgement Reason = "acknowledgement"
	ReasonSingleWord      Reason = "single_word"
	ReasonEmojiOnly       Reason = "emoji_only"
	ReasonDuplicate       Reason = "duplicate"
)

// DefaultBorderlineLow/High bound the band in which Tier 2 is consulted
// (spec.md §4.5; configurable — see Filter.BorderlineLow/High).
const (
	DefaultBorderlineLow  = 0.3
	DefaultBorderlineHigh = 0.6
	DefaultDuplicateWindow = 10 * time.Second
	DefaultTier2CacheTTL   = 5 * time.Minute
)

var ackPattern = regexp.MustCompile(`^(ok(ay)?|k|thanks|thank you|got it|sounds good|sure|yep|yup|ack|cool|nice|great)[.!]?$`)

// cannedReplies maps certain noise reasons' exact lowercase text to a reply
// emitted without ever calling an LLM.
var cannedReplies = map[string]string{
	"ok":         "👍",
	"okay":       "👍",
	"thanks":     "🙏",
	"thank you":  "🙏",
	"got it":     "👍",
	"sounds good": "👍",
	"cool":       "👍",
	"nice":       "👍",
}

// Verdict is the outcome of running the filter on one message.
type Verdict struct {
	IsNoise bool
	Reason  Reason
	// CannedReply, if non-empty, should be sent back to the user without
	// invoking the agent loop at all.
	CannedReply string
	// Weight is the final signal weight in [0, 1], meaningful only when
	// IsNoise is false.
	Weight float64
}

// Tier2Classifier performs the optional LLM-assisted classification for
// pre-weights in the borderline band. Implemented elsewhere by a provider-
// backed call (C9).
type Tier2Classifier func(ctx context.Context, text string) (weight float64, err error)

// Filter implements the two-tier gate. Zero value is usable (Tier 2 is then
// skipped entirely and the Tier 1 pre-weight is returned as-is).
type Filter struct {
	BorderlineLow, BorderlineHigh float64
	DuplicateWindow               time.Duration
	Tier2                         Tier2Classifier
	Tier2CacheTTL                 time.Duration

	mu        sync.Mutex
	lastByKey map[string]lastMessage
	tier2Cache map[string]cachedWeight
}

type lastMessage struct {
	text string
	at   time.Time
}

type cachedWeight struct {
	weight    float64
	expiresAt time.Time
}

// New constructs a Filter with spec.md's default tuning.
func New(tier2 Tier2Classifier) *Filter {
	return &Filter{
		BorderlineLow:   DefaultBorderlineLow,
		BorderlineHigh:  DefaultBorderlineHigh,
		DuplicateWindow: DefaultDuplicateWindow,
		Tier2:           tier2,
		Tier2CacheTTL:   DefaultTier2CacheTTL,
		lastByKey:       make(map[string]lastMessage),
		tier2Cache:      make(map[string]cachedWeight),
	}
}

// Check runs the full two-tier pipeline for one inbound message on a given
// dedup key (typically session id).
func (f *Filter) Check(ctx context.Context, dedupKey, text string) Verdict {
	if v, ok := f.tier1(dedupKey, text); ok {
		return v
	}

	preWeight := f.preWeight(text)
	if preWeight < f.lowOrDefault() || preWeight > f.highOrDefault() || f.Tier2 == nil {
		return Verdict{IsNoise: false, Weight: clamp01(preWeight)}
	}

	key := hashText(text)
	f.mu.Lock()
	if cached, ok := f.tier2Cache[key]; ok && time.Now().Before(cached.expiresAt) {
		f.mu.Unlock()
		return Verdict{IsNoise: false, Weight: clamp01(cached.weight)}
	}
	f.mu.Unlock()

	weight, err := f.Tier2(ctx, text)
	if err != nil {
		// Tier 2 failure is not fatal: fall back to the Tier 1 pre-weight.
		return Verdict{IsNoise: false, Weight: clamp01(preWeight)}
	}

	f.mu.Lock()
	f.tier2Cache[key] = cachedWeight{weight: weight, expiresAt: time.Now().Add(f.ttlOrDefault())}
	f.mu.Unlock()

	return Verdict{IsNoise: false, Weight: clamp01(weight)}
}

func (f *Filter) tier1(dedupKey, raw string) (Verdict, bool) {
	trimmed := strings.TrimSpace(raw)

	if trimmed == "" {
		return Verdict{IsNoise: true, Reason: ReasonEmpty}, true
	}

	lower := strings.ToLower(trimmed)
	if ackPattern.MatchString(lower) {
		return Verdict{IsNoise: true, Reason: ReasonAcknowledgement, CannedReply: cannedReplies[lower]}, true
	}
	if len([]rune(trimmed)) < 3 {
		return Verdict{IsNoise: true, Reason: ReasonTooShort}, true
	}
	if isEmojiOnly(trimmed) {
		return Verdict{IsNoise: true, Reason: ReasonEmojiOnly}, true
	}
	if !strings.ContainsAny(trimmed, " \t\n") {
		return Verdict{IsNoise: true, Reason: ReasonSingleWord}, true
	}
	if f.isDuplicate(dedupKey, trimmed) {
		return Verdict{IsNoise: true, Reason: ReasonDuplicate}, true
	}

	return Verdict{}, false
}

func (f *Filter) isDuplicate(dedupKey, text string) bool {
	window := f.DuplicateWindow
	if window <= 0 {
		window = DefaultDuplicateWindow
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastByKey == nil {
		f.lastByKey = make(map[string]lastMessage)
	}
	prev, ok := f.lastByKey[dedupKey]
	f.lastByKey[dedupKey] = lastMessage{text: text, at: time.Now()}
	if !ok {
		return false
	}
	return prev.text == text && time.Since(prev.at) <= window
}

// preWeight computes the deterministic Tier 1 pre-weight (spec.md §4.5):
// length, urgency keywords (+0.2), question mark (+0.15), command verbs
// (+0.1), and a capped length bonus (len/500).
func (f *Filter) preWeight(text string) float64 {
	lower := strings.ToLower(text)
	weight := 0.0

	for _, kw := range []string{"urgent", "critical", "emergency"} {
		if strings.Contains(lower, kw) {
			weight += 0.2
			break
		}
	}
	if strings.Contains(text, "?") {
		weight += 0.15
	}
	for _, kw := range []string{"build", "fix", "run"} {
		if strings.Contains(lower, kw) {
			weight += 0.1
			break
		}
	}

	lengthBonus := float64(len(text)) / 500.0
	if lengthBonus > 0.3 {
		lengthBonus = 0.3
	}
	weight += lengthBonus

	return clamp01(weight)
}

func (f *Filter) lowOrDefault() float64 {
	if f.BorderlineLow == 0 && f.BorderlineHigh == 0 {
		return DefaultBorderlineLow
	}
	return f.BorderlineLow
}

func (f *Filter) highOrDefault() float64 {
	if f.BorderlineLow == 0 && f.BorderlineHigh == 0 {
		return DefaultBorderlineHigh
	}
	return f.BorderlineHigh
}

func (f *Filter) ttlOrDefault() time.Duration {
	if f.Tier2CacheTTL <= 0 {
		return DefaultTier2CacheTTL
	}
	return f.Tier2CacheTTL
}

func isEmojiOnly(text string) bool {
	hasRune := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		hasRune = true
		if r < 0x1F000 && r != 0x2764 && r != 0x2705 && !unicode.Is(unicode.So, r) {
			return false
		}
	}
	return hasRune
}

func hashText(text string) string {
	normalized := norm.NFC.String(text)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func clamp01(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
