package query

import "strings"

type Order uint8

const (
	Ascending Order = iota
	Descending
)

type Option func(*Options)

func WithLimit(limit int) Option {
	return func(o *Options) {
		if limit > 0 {
			o.Limit = limit
		}
	}
}

func WithOrder(order Order) Option {
	return func(o *Options) {
		o.Order = order
	}
}

func WithAscending() Option {
	return func(o *Options) {
		o.Order = Ascending
	}
}

func WithDescending() Option {
	return func(o *Options) {
		o.Order = Descending
	}
}

// WithStates restricts results to records in any of the given states. State
// values are kept as strings so backends can bind them directly.
func WithStates[S ~string](states ...S) Option {
	return func(o *Options) {
		for _, s := range states {
			o.States = append(o.States, string(s))
		}
	}
}

// WithProvider restricts results to a single provider.
func WithProvider(providerName string) Option {
	return func(o *Options) {
		o.Provider = providerName
	}
}

// WithAfter resumes a listing after the record at cursor, in the listing's
// order.
func WithAfter(cursor Cursor) Option {
	return func(o *Options) {
		o.After = &cursor
	}
}

// Cursor is the position of a record in a listing.
type Cursor struct {
	PurchaseTime int64 // unix millis
	ProductID    string
	Provider     string
}

// Compare orders cursors by purchase time, then product ID, then provider.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.PurchaseTime < other.PurchaseTime:
		return -1
	case c.PurchaseTime > other.PurchaseTime:
		return 1
	}
	if r := strings.Compare(c.ProductID, other.ProductID); r != 0 {
		return r
	}
	return strings.Compare(c.Provider, other.Provider)
}

// Options control listing queries. Results are ordered by purchase time, then
// product ID, then provider.
type Options struct {
	Limit    int
	Order    Order
	States   []string
	Provider string
	After    *Cursor
}

func DefaultOptions() Options {
	return Options{
		Limit: 1000,
		Order: Ascending,
	}
}

func ApplyOptions(options ...Option) Options {
	applied := DefaultOptions()
	for _, option := range options {
		option(&applied)
	}
	return applied
}

// MatchesState reports whether state passes the state filter.
func (o Options) MatchesState(state string) bool {
	if len(o.States) == 0 {
		return true
	}
	for _, s := range o.States {
		if s == state {
			return true
		}
	}
	return false
}

// MatchesCursor reports whether a record at c comes after the After cursor.
func (o Options) MatchesCursor(c Cursor) bool {
	if o.After == nil {
		return true
	}
	if o.Order == Descending {
		return c.Compare(*o.After) < 0
	}
	return c.Compare(*o.After) > 0
}

// MatchesProvider reports whether providerName passes the provider filter.
func (o Options) MatchesProvider(providerName string) bool {
	return o.Provider == "" || o.Provider == providerName
}
