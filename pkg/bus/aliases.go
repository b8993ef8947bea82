package bus

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxCallbackData is the largest inline button payload Telegram accepts, in bytes.
const MaxCallbackData = 64

// DefaultAliasCapacity bounds how many aliases are remembered.
const DefaultAliasCapacity = 4096

const aliasMarker = "~"

// FitsCallback reports whether the encoded payload stays within MaxCallbackData.
func FitsCallback(prefix, id, rating string) bool {
	return len(EncodeCallback(prefix, id, rating)) <= MaxCallbackData
}

// Aliases hands out short stand-ins for ids too long to fit a callback
// payload. Only the most recently used aliases are remembered; an evicted
// alias no longer resolves.
type Aliases struct {
	mu      sync.Mutex
	next    uint64
	byAlias *lru.Cache[string, string]
	byID    map[string]string
}

func NewAliases(capacity int) (*Aliases, error) {
	if capacity <= 0 {
		return nil, errors.New("alias capacity must be positive")
	}

	a := &Aliases{byID: make(map[string]string)}
	cache, err := lru.NewWithEvict(capacity, func(_ string, id string) {
		delete(a.byID, id)
	})
	if err != nil {
		return nil, err
	}
	a.byAlias = cache

	return a, nil
}

// Alias returns the alias for id, issuing one on first use.
func (a *Aliases) Alias(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alias, ok := a.byID[id]; ok {
		a.byAlias.Get(alias)
		return alias
	}

	a.next++
	alias := aliasMarker + strconv.FormatUint(a.next, 36)
	a.byID[id] = alias
	a.byAlias.Add(alias, id)

	return alias
}

// Resolve maps an alias back to its id. Values that are not aliases are
// returned unchanged. The boolean is false for an alias that is unknown or
// was evicted.
func (a *Aliases) Resolve(value string) (string, bool) {
	if !strings.HasPrefix(value, aliasMarker) {
		return value, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.byAlias.Get(value)
}
