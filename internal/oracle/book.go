package oracle

import (
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
)

// Book holds the latest observation per feed. Pushers (the Pyth fetcher,
// the price endpoint, tests) write; the adapter reads.
type Book struct {
	mu     sync.RWMutex
	prices map[solana.PublicKey]RawPrice
}

// NewBook creates an empty price book.
func NewBook() *Book {
	return &Book{prices: make(map[solana.PublicKey]RawPrice)}
}

// Set records raw, ignoring observations older than the stored one.
func (b *Book) Set(raw RawPrice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.prices[raw.Feed]; ok && cur.PublishTime > raw.PublishTime {
		return
	}
	b.prices[raw.Feed] = raw
}

func (b *Book) Latest(feed solana.PublicKey) (RawPrice, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, ok := b.prices[feed]
	if !ok {
		return RawPrice{}, errcode.Wrap(errcode.ErrUnsupportedOracle, "no price for feed %s", feed)
	}
	return raw, nil
}

// Feeds lists the feeds with a recorded price.
func (b *Book) Feeds() []solana.PublicKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]solana.PublicKey, 0, len(b.prices))
	for k := range b.prices {
		out = append(out, k)
	}
	return out
}
