package service

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"shadowkeep-backend/internal/model"

	"github.com/google/uuid"
)

// Broadcaster is the outbound side of the relay, implemented by WSHub.
type Broadcaster interface {
	Broadcast(event *model.WSEvent)
}

// RankStore persists the current rank when a rank-change message goes
// through; implemented by repository.RankRepository.
type RankStore interface {
	Set(ctx context.Context, rank string, updatedAt int64) error
}

// maxChainHops caps chained summons: a human message is hop 0, replies
// it triggers are hop 1, and hop-1 replies trigger nothing further.
const maxChainHops = 1

const conversationWindow = 20

type personaRules struct {
	profile model.PersonaProfile
	summon  *regexp.Regexp // "@name", case-insensitive, anywhere
	nameRef *regexp.Regexp // bare name as a word, for chained summons
}

// TurnCoordinator decides, per inbound message, which personas must
// answer, and serializes each persona's turns behind a one-at-a-time
// lock. A summon that lands while the persona is already generating is
// dropped silently.
type TurnCoordinator struct {
	history *HistoryService
	relay   Broadcaster
	gen     Generator
	ranks   RankStore // nil when the relay booted without a database

	personas []model.Persona
	rules    map[model.Persona]personaRules

	genTimeout time.Duration

	mu         sync.Mutex
	generating map[model.Persona]bool
	lastTS     int64

	// emitMu makes append-then-broadcast atomic so every client observes
	// the same total order.
	emitMu sync.Mutex

	turns sync.WaitGroup
}

func NewTurnCoordinator(history *HistoryService, relay Broadcaster, gen Generator, ranks RankStore, profiles map[model.Persona]model.PersonaProfile, genTimeout time.Duration) *TurnCoordinator {
	rules := make(map[model.Persona]personaRules, len(profiles))
	for _, p := range model.Personas {
		profile, ok := profiles[p]
		if !ok {
			continue
		}
		name := regexp.QuoteMeta(string(p))
		rules[p] = personaRules{
			profile: profile,
			summon:  regexp.MustCompile(`(?i)@` + name + `\s*`),
			nameRef: regexp.MustCompile(`(?i)\b` + name + `\b`),
		}
	}
	return &TurnCoordinator{
		history:    history,
		relay:      relay,
		gen:        gen,
		ranks:      ranks,
		personas:   model.Personas,
		rules:      rules,
		genTimeout: genTimeout,
		generating: make(map[model.Persona]bool),
	}
}

// HandleMessage runs the broadcast-then-maybe-summon pipeline for one
// inbound human message. It returns once the message is persisted and
// broadcast; persona turns continue in the background.
func (t *TurnCoordinator) HandleMessage(ctx context.Context, msg model.ChatMessage) {
	t.process(ctx, msg, 0)
}

// Wait blocks until every in-flight persona turn has finished.
func (t *TurnCoordinator) Wait() {
	t.turns.Wait()
}

func (t *TurnCoordinator) process(ctx context.Context, msg model.ChatMessage, hop int) {
	msg = t.emit(ctx, msg)

	if msg.Kind == model.KindRankChange && msg.RankChange != nil && t.ranks != nil {
		if err := t.ranks.Set(ctx, msg.RankChange.NewRank, msg.Timestamp); err != nil {
			log.Printf("[Turn] Failed to persist rank change to %q: %v", msg.RankChange.NewRank, err)
		}
	}

	if hop > maxChainHops {
		return
	}

	for _, p := range t.personas {
		rules, ok := t.rules[p]
		if !ok || string(p) == msg.Author {
			continue
		}

		summoned := rules.summon.MatchString(msg.Content)
		chained := msg.Kind == model.KindPersona && rules.nameRef.MatchString(msg.Content)
		if !summoned && !chained {
			continue
		}

		if !t.acquire(p) {
			// Already generating; soft backpressure, no error surfaced.
			log.Printf("[Turn] %s summoned while busy, dropping", p)
			continue
		}

		t.relay.Broadcast(model.NewWSEvent(model.EventPersonaResponding, model.WSPersonaResponding{Persona: string(p), Responding: true}))
		t.relay.Broadcast(model.NewWSEvent(model.EventUserTyping, model.WSTyping{Actor: string(p)}))

		t.turns.Add(1)
		go t.runTurn(p, rules, msg, hop)
	}
}

// emit assigns server-side ordering and fans the message out. Append
// precedes broadcast so history can never miss a delivered message.
func (t *TurnCoordinator) emit(ctx context.Context, msg model.ChatMessage) model.ChatMessage {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = t.nextTimestamp(msg.Timestamp)

	t.history.Append(ctx, msg)
	t.relay.Broadcast(model.NewWSEvent(model.EventNewMessage, msg))
	return msg
}

// nextTimestamp keeps timestamps monotonically non-decreasing across
// the single emission point, whatever the client claimed.
func (t *TurnCoordinator) nextTimestamp(claimed int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := claimed
	if now := time.Now().UnixMilli(); ts <= 0 || ts > now {
		ts = now
	}
	if ts < t.lastTS {
		ts = t.lastTS
	}
	t.lastTS = ts
	return ts
}

func (t *TurnCoordinator) runTurn(p model.Persona, rules personaRules, trigger model.ChatMessage, hop int) {
	defer t.turns.Done()

	// Broadcast the clear before releasing the lock, so clients never see
	// two consecutive true events for the same persona. A summon landing
	// between the two is dropped like any other busy-summon.
	defer func() {
		t.relay.Broadcast(model.NewWSEvent(model.EventPersonaResponding, model.WSPersonaResponding{Persona: string(p), Responding: false}))
		t.release(p)
	}()

	ctx := context.Background()
	window := t.window(ctx, trigger)

	stripped := strings.TrimSpace(rules.summon.ReplaceAllString(trigger.Content, ""))
	prompt := speakerName(trigger.Author) + ": " + stripped

	// The timeout covers only the gateway call; a timed-out turn is
	// treated like any other transport failure.
	genCtx, cancel := context.WithTimeout(ctx, t.genTimeout)
	text, err := t.gen.Generate(genCtx, rules.profile, window, prompt)
	cancel()

	t.relay.Broadcast(model.NewWSEvent(model.EventUserStoppedTyping, model.WSTyping{Actor: string(p)}))

	if err != nil {
		// The turn is skipped silently; operators see the log line.
		log.Printf("[Turn] %s generation failed: %v", p, err)
		return
	}

	reply := model.ChatMessage{
		ID:      uuid.NewString(),
		Author:  string(p),
		Content: text,
		Kind:    model.KindPersona,
	}
	log.Printf("[Turn] %s replied (%d chars, hop %d)", p, len(text), hop+1)
	t.process(ctx, reply, hop+1)
}

// window returns the last messages before the triggering one, oldest
// first, for the gateway's conversation context.
func (t *TurnCoordinator) window(ctx context.Context, trigger model.ChatMessage) []model.ChatMessage {
	recent := t.history.Recent(ctx, conversationWindow+1)
	filtered := make([]model.ChatMessage, 0, len(recent))
	for _, m := range recent {
		if m.ID == trigger.ID {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > conversationWindow {
		filtered = filtered[len(filtered)-conversationWindow:]
	}
	return filtered
}

func (t *TurnCoordinator) acquire(p model.Persona) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generating[p] {
		return false
	}
	t.generating[p] = true
	return true
}

func (t *TurnCoordinator) release(p model.Persona) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.generating, p)
}

// Generating reports whether a persona currently holds its turn lock.
func (t *TurnCoordinator) Generating(p model.Persona) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generating[p]
}
