package hold

import (
	"encoding/hex"
	"log"
	"sync"

	"holdd/internal/store"
)

// subscriberBuffer is how many undelivered events a subscriber may pile up
// before the tracker drops it. Dropping closes the channel, so the
// subscriber can tell it was cut off instead of silently missing events.
const subscriberBuffer = 64

// Update is one committed invoice transition.
type Update struct {
	PaymentHash []byte      `json:"payment_hash"`
	Bolt11      string      `json:"bolt11"`
	State       store.State `json:"state"`
}

type subscriber struct {
	ch chan Update

	// filter restricts delivery to these payment hashes; nil means all.
	filter map[string]struct{}

	// single is set for Track subscriptions: the channel is closed once
	// the invoice reaches a terminal state.
	single bool
}

// Tracker broadcasts invoice transitions in commit order and keeps an
// in-memory transition log per payment hash so Track can replay the full
// history of an invoice, including states reached before the subscriber
// connected.
type Tracker struct {
	logger *log.Logger

	mu          sync.Mutex
	subscribers map[chan Update]*subscriber
	history     map[string][]Update
}

func NewTracker(logger *log.Logger) *Tracker {
	return &Tracker{
		logger:      logger,
		subscribers: map[chan Update]*subscriber{},
		history:     map[string][]Update{},
	}
}

// Publish records and broadcasts one committed transition. Callers publish
// while holding the payment hash lock, directly after the store write, so
// subscribers observe transitions in commit order and never see one that
// was rolled back.
func (t *Tracker) Publish(update Update) {
	key := hex.EncodeToString(update.PaymentHash)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.history[key]; !ok && update.State != store.StateUnpaid {
		// First in-process transition of an invoice that predates this
		// process: backfill the states it must have gone through so a
		// later Track still replays from unpaid.
		prior := store.StateUnpaid
		if update.State == store.StatePaid {
			prior = store.StateAccepted
		}
		t.history[key] = synthesizeHistory(update.PaymentHash, update.Bolt11, prior)
	}
	t.history[key] = append(t.history[key], update)

	for ch, sub := range t.subscribers {
		if sub.filter != nil {
			if _, ok := sub.filter[key]; !ok {
				continue
			}
		}

		select {
		case ch <- update:
		default:
			t.logger.Printf("tracker: dropping stalled subscriber")
			delete(t.subscribers, ch)
			close(ch)
			continue
		}

		if sub.single && update.State.IsFinal() {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// Track subscribes to a single invoice. The full state history is replayed
// first; stored is the invoice state read from the database and is used to
// synthesize the history of invoices that predate this process. The stream
// ends when the invoice reaches a terminal state. The returned cancel
// function is safe to call at any time.
func (t *Tracker) Track(paymentHash []byte, bolt11 string, stored store.State) (<-chan Update, func()) {
	key := hex.EncodeToString(paymentHash)

	t.mu.Lock()
	defer t.mu.Unlock()

	history, ok := t.history[key]
	if !ok {
		history = synthesizeHistory(paymentHash, bolt11, stored)
		t.history[key] = history
	}

	ch := make(chan Update, len(history)+subscriberBuffer)
	for _, update := range history {
		ch <- update
	}

	if last := history[len(history)-1]; last.State.IsFinal() {
		close(ch)
		return ch, func() {}
	}

	t.subscribers[ch] = &subscriber{
		ch:     ch,
		filter: map[string]struct{}{key: {}},
		single: true,
	}

	return ch, func() { t.unsubscribe(ch) }
}

// TrackAll subscribes to transitions of every invoice, or of the filter set
// when one is given. catchUp events, one per existing invoice in the filter
// set carrying its current state, are delivered before any live event.
func (t *Tracker) TrackAll(filter [][]byte, catchUp []Update) (<-chan Update, func()) {
	var keys map[string]struct{}
	if len(filter) > 0 {
		keys = make(map[string]struct{}, len(filter))
		for _, hash := range filter {
			keys[hex.EncodeToString(hash)] = struct{}{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Update, len(catchUp)+subscriberBuffer)
	for _, update := range catchUp {
		ch <- update
	}

	t.subscribers[ch] = &subscriber{ch: ch, filter: keys}

	return ch, func() { t.unsubscribe(ch) }
}

// Forget drops the transition log of a purged invoice.
func (t *Tracker) Forget(paymentHash []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.history, hex.EncodeToString(paymentHash))
}

func (t *Tracker) unsubscribe(ch chan Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
}

// synthesizeHistory reconstructs the transition sequence implied by a stored
// state. Every invoice starts unpaid; paid implies it was accepted first,
// while cancelled invoices may never have reached accepted, so the shortest
// legal path is assumed.
func synthesizeHistory(paymentHash []byte, bolt11 string, stored store.State) []Update {
	update := func(state store.State) Update {
		return Update{PaymentHash: paymentHash, Bolt11: bolt11, State: state}
	}

	switch stored {
	case store.StateAccepted:
		return []Update{update(store.StateUnpaid), update(store.StateAccepted)}
	case store.StatePaid:
		return []Update{update(store.StateUnpaid), update(store.StateAccepted), update(store.StatePaid)}
	case store.StateCancelled:
		return []Update{update(store.StateUnpaid), update(store.StateCancelled)}
	default:
		return []Update{update(store.StateUnpaid)}
	}
}
