package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"shadowkeep-backend/internal/model"
)

// recordingRelay captures broadcast events in emission order.
type recordingRelay struct {
	mu     sync.Mutex
	events []*model.WSEvent
}

func (r *recordingRelay) Broadcast(event *model.WSEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingRelay) all() []*model.WSEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.WSEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingRelay) ofType(eventType string) []*model.WSEvent {
	var out []*model.WSEvent
	for _, e := range r.all() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func decodeMessage(t *testing.T, e *model.WSEvent) model.ChatMessage {
	t.Helper()
	var msg model.ChatMessage
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		t.Fatalf("decode new-message payload: %v", err)
	}
	return msg
}

func decodeResponding(t *testing.T, e *model.WSEvent) model.WSPersonaResponding {
	t.Helper()
	var payload model.WSPersonaResponding
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		t.Fatalf("decode persona-responding payload: %v", err)
	}
	return payload
}

type genCall struct {
	persona model.Persona
	trigger string
	window  []model.ChatMessage
}

// fakeGen scripts gateway replies per persona and records every call.
type fakeGen struct {
	mu      sync.Mutex
	calls   []genCall
	replies map[model.Persona]string
	errs    map[model.Persona]error
	block   chan struct{} // when set, Generate waits on it before returning
}

func (g *fakeGen) Generate(ctx context.Context, profile model.PersonaProfile, window []model.ChatMessage, trigger string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{persona: profile.Name, trigger: trigger, window: window})
	block := g.block
	g.mu.Unlock()

	if block != nil {
		<-block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[profile.Name]; err != nil {
		return "", err
	}
	if reply, ok := g.replies[profile.Name]; ok {
		return reply, nil
	}
	return "", errors.New("no scripted reply")
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func newTestCoordinator(gen Generator) (*TurnCoordinator, *recordingRelay) {
	relay := &recordingRelay{}
	coord := NewTurnCoordinator(NewHistoryService(nil), relay, gen, nil, DefaultProfiles(), time.Second)
	return coord, relay
}

// Scenario A: a direct summon broadcasts the literal message first, then
// the lock events around the persona reply.
func TestSummonProducesReplyAfterLiteralBroadcast(t *testing.T) {
	gen := &fakeGen{replies: map[model.Persona]string{model.PersonaLexi: "I am divine."}}
	coord, relay := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:      "m1",
		Author:  string(model.RoleGoddess),
		Content: "@Lexi how are you?",
		Kind:    model.KindMessage,
	})
	coord.Wait()

	events := relay.all()
	var sequence []string
	for _, e := range events {
		switch e.Type {
		case model.EventNewMessage:
			msg := decodeMessage(t, e)
			sequence = append(sequence, "msg:"+msg.Author)
		case model.EventPersonaResponding:
			p := decodeResponding(t, e)
			sequence = append(sequence, fmt.Sprintf("lock:%s=%v", p.Persona, p.Responding))
		}
	}

	want := []string{"msg:Goddess", "lock:Lexi=true", "msg:Lexi", "lock:Lexi=false"}
	if strings.Join(sequence, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", sequence, want)
	}

	replies := relay.ofType(model.EventNewMessage)
	reply := decodeMessage(t, replies[1])
	if reply.Content != "I am divine." || reply.Kind != model.KindPersona {
		t.Fatalf("unexpected persona reply: %+v", reply)
	}
	if reply.ID == "" {
		t.Fatal("persona reply has no id")
	}
}

// The summon token is stripped before the gateway sees the text, and the
// author is rendered with a display name.
func TestSummonTokenStrippedFromGatewayPrompt(t *testing.T) {
	gen := &fakeGen{replies: map[model.Persona]string{model.PersonaLexi: "Hmph."}}
	coord, _ := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:      "m1",
		Author:  string(model.RoleSlave),
		Content: "@Lexi  please notice me",
		Kind:    model.KindMessage,
	})
	coord.Wait()

	if len(gen.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(gen.calls))
	}
	if got := gen.calls[0].trigger; got != "Slave Hasan: please notice me" {
		t.Fatalf("trigger = %q", got)
	}
}

// Scenario B: a persona reply naming another persona triggers a chained
// turn without any human message.
func TestChainedSummonFromPersonaReply(t *testing.T) {
	gen := &fakeGen{replies: map[model.Persona]string{
		model.PersonaLexi: "As I was saying—SUMI! MY TEA IS LUKEWARM AGAIN!",
		model.PersonaSumi: "Right away, My Lady!",
	}}
	coord, relay := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:      "m1",
		Author:  string(model.RoleGoddess),
		Content: "@Lexi tea status?",
		Kind:    model.KindMessage,
	})
	coord.Wait()

	msgs := relay.ofType(model.EventNewMessage)
	if len(msgs) != 3 {
		t.Fatalf("new-message count = %d, want 3", len(msgs))
	}

	// Sumi's lock must engage only after Lexi's reply is broadcast.
	var sawLexiReply bool
	for _, e := range relay.all() {
		if e.Type == model.EventNewMessage && decodeMessage(t, e).Author == "Lexi" {
			sawLexiReply = true
		}
		if e.Type == model.EventPersonaResponding {
			p := decodeResponding(t, e)
			if p.Persona == "Sumi" && p.Responding && !sawLexiReply {
				t.Fatal("Sumi lock engaged before Lexi's reply was broadcast")
			}
		}
	}

	sumiReply := decodeMessage(t, msgs[2])
	if sumiReply.Author != "Sumi" {
		t.Fatalf("third message author = %s, want Sumi", sumiReply.Author)
	}
}

// A chained reply must not trigger a third generation: the hop ceiling
// is one chained turn.
func TestChainDepthCapped(t *testing.T) {
	gen := &fakeGen{replies: map[model.Persona]string{
		model.PersonaLexi: "Sumi, fetch my polish.",
		// Sumi's reply names Lexi, which would re-summon her forever
		// without the cap.
		model.PersonaSumi: "Yes Lexi, at once!",
	}}
	coord, relay := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:      "m1",
		Author:  string(model.RoleGoddess),
		Content: "@Lexi your throne awaits",
		Kind:    model.KindMessage,
	})
	coord.Wait()

	if got := gen.callCount(); got != 2 {
		t.Fatalf("gateway calls = %d, want 2 (human->Lexi, Lexi->Sumi)", got)
	}
	if msgs := relay.ofType(model.EventNewMessage); len(msgs) != 3 {
		t.Fatalf("new-message count = %d, want 3", len(msgs))
	}
}

// Scenario C: a failed generation produces the lock events and no reply.
func TestFailedGenerationSkipsTurnSilently(t *testing.T) {
	gen := &fakeGen{errs: map[model.Persona]error{model.PersonaLexi: ErrGenRateLimited}}
	coord, relay := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:      "m1",
		Author:  string(model.RoleGoddess),
		Content: "@Lexi speak",
		Kind:    model.KindMessage,
	})
	coord.Wait()

	if msgs := relay.ofType(model.EventNewMessage); len(msgs) != 1 {
		t.Fatalf("new-message count = %d, want only the human message", len(msgs))
	}

	locks := relay.ofType(model.EventPersonaResponding)
	if len(locks) != 2 {
		t.Fatalf("persona-responding count = %d, want 2", len(locks))
	}
	if p := decodeResponding(t, locks[0]); !p.Responding {
		t.Fatal("first lock event should be responding=true")
	}
	if p := decodeResponding(t, locks[1]); p.Responding {
		t.Fatal("second lock event should be responding=false")
	}
	if coord.Generating(model.PersonaLexi) {
		t.Fatal("lock not released after failure")
	}
}

// Scenario D / P3: a summon arriving while the persona is generating is
// dropped with no second gateway call and no extra lock events.
func TestConcurrentSummonDropped(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGen{
		replies: map[model.Persona]string{model.PersonaLexi: "Patience."},
		block:   block,
	}
	coord, relay := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m1", Author: string(model.RoleGoddess), Content: "@Lexi first", Kind: model.KindMessage,
	})

	// Wait until the first turn holds the lock.
	deadline := time.Now().Add(time.Second)
	for !coord.Generating(model.PersonaLexi) {
		if time.Now().After(deadline) {
			t.Fatal("first turn never acquired the lock")
		}
		time.Sleep(time.Millisecond)
	}

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m2", Author: string(model.RoleSlave), Content: "@Lexi second", Kind: model.KindMessage,
	})

	close(block)
	coord.Wait()

	if got := gen.callCount(); got != 1 {
		t.Fatalf("gateway calls = %d, want 1", got)
	}
	if locks := relay.ofType(model.EventPersonaResponding); len(locks) != 2 {
		t.Fatalf("persona-responding count = %d, want one true/false pair", len(locks))
	}
	// Both human messages still broadcast (plus Lexi's single reply).
	if msgs := relay.ofType(model.EventNewMessage); len(msgs) != 3 {
		t.Fatalf("new-message count = %d, want 3", len(msgs))
	}
}

// stallingRelay holds the first responding-clear broadcast open until
// released, exposing the teardown window between clear and lock release.
type stallingRelay struct {
	recordingRelay
	stalled chan struct{} // closed once the clear broadcast has begun
	resume  chan struct{}
	once    sync.Once
}

func (r *stallingRelay) Broadcast(event *model.WSEvent) {
	if event.Type == model.EventPersonaResponding {
		var p model.WSPersonaResponding
		if json.Unmarshal(event.Data, &p) == nil && !p.Responding {
			r.once.Do(func() { close(r.stalled) })
			<-r.resume
		}
	}
	r.recordingRelay.Broadcast(event)
}

// P2: a summon landing while the responding clear is still being
// delivered is dropped, so clients never observe two consecutive true
// events for the same persona.
func TestRespondingClearPrecedesLockRelease(t *testing.T) {
	relay := &stallingRelay{stalled: make(chan struct{}), resume: make(chan struct{})}
	gen := &fakeGen{replies: map[model.Persona]string{model.PersonaLexi: "Done."}}
	coord := NewTurnCoordinator(NewHistoryService(nil), relay, gen, nil, DefaultProfiles(), time.Second)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m1", Author: string(model.RoleGoddess), Content: "@Lexi first", Kind: model.KindMessage,
	})

	<-relay.stalled
	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m2", Author: string(model.RoleSlave), Content: "@Lexi second", Kind: model.KindMessage,
	})
	close(relay.resume)
	coord.Wait()

	if got := gen.callCount(); got != 1 {
		t.Fatalf("gateway calls = %d, want 1", got)
	}

	var last *bool
	for _, e := range relay.ofType(model.EventPersonaResponding) {
		p := decodeResponding(t, e)
		if p.Persona != string(model.PersonaLexi) {
			continue
		}
		if last != nil && *last == p.Responding {
			t.Fatalf("persona-responding repeated %v with no intervening %v", p.Responding, !p.Responding)
		}
		v := p.Responding
		last = &v
	}
	if last == nil || *last {
		t.Fatal("final persona-responding event for Lexi should be false")
	}
}

// P1: concurrent sends are emitted in one total order with
// non-decreasing timestamps.
func TestConcurrentSendsKeepTotalOrder(t *testing.T) {
	gen := &fakeGen{}
	coord, relay := newTestCoordinator(gen)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := model.RoleGoddess
			if i%2 == 1 {
				author = model.RoleSlave
			}
			coord.HandleMessage(context.Background(), model.ChatMessage{
				ID:      fmt.Sprintf("m%d", i),
				Author:  string(author),
				Content: fmt.Sprintf("message %d", i),
				Kind:    model.KindMessage,
			})
		}(i)
	}
	wg.Wait()
	coord.Wait()

	msgs := relay.ofType(model.EventNewMessage)
	if len(msgs) != 20 {
		t.Fatalf("new-message count = %d, want 20", len(msgs))
	}

	var lastTS int64
	seen := make(map[string]bool)
	for _, e := range msgs {
		msg := decodeMessage(t, e)
		if msg.Timestamp < lastTS {
			t.Fatalf("timestamp went backwards: %d after %d", msg.Timestamp, lastTS)
		}
		lastTS = msg.Timestamp
		seen[msg.ID] = true
	}
	if len(seen) != 20 {
		t.Fatalf("distinct message ids = %d, want 20", len(seen))
	}
}

// The gateway window excludes the triggering message and renders prior
// turns oldest first.
func TestGatewayWindowExcludesTrigger(t *testing.T) {
	gen := &fakeGen{replies: map[model.Persona]string{model.PersonaLexi: "Fine."}}
	coord, _ := newTestCoordinator(gen)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m1", Author: string(model.RoleGoddess), Content: "good evening", Kind: model.KindMessage,
	})
	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m2", Author: string(model.RoleSlave), Content: "greetings", Kind: model.KindMessage,
	})
	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID: "m3", Author: string(model.RoleGoddess), Content: "@Lexi judge him", Kind: model.KindMessage,
	})
	coord.Wait()

	if len(gen.calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(gen.calls))
	}
	window := gen.calls[0].window
	if len(window) != 2 {
		t.Fatalf("window length = %d, want 2", len(window))
	}
	if window[0].ID != "m1" || window[1].ID != "m2" {
		t.Fatalf("window ids = %s,%s, want m1,m2", window[0].ID, window[1].ID)
	}
}

// Rank-change messages persist the new rank after broadcast.
func TestRankChangePersisted(t *testing.T) {
	gen := &fakeGen{}
	relay := &recordingRelay{}
	ranks := &fakeRankStore{}
	coord := NewTurnCoordinator(NewHistoryService(nil), relay, gen, ranks, DefaultProfiles(), time.Second)

	coord.HandleMessage(context.Background(), model.ChatMessage{
		ID:         "m1",
		Author:     string(model.RoleGoddess),
		Content:    "you have been demoted",
		Kind:       model.KindRankChange,
		RankChange: &model.RankChange{OldRank: "slave", NewRank: "worm"},
	})
	coord.Wait()

	if ranks.lastRank != "worm" {
		t.Fatalf("persisted rank = %q, want worm", ranks.lastRank)
	}
	if msgs := relay.ofType(model.EventNewMessage); len(msgs) != 1 {
		t.Fatalf("new-message count = %d, want 1", len(msgs))
	}
}

type fakeRankStore struct {
	mu       sync.Mutex
	lastRank string
}

func (f *fakeRankStore) Set(ctx context.Context, rank string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRank = rank
	return nil
}
