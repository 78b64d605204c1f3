package artifact

import "strings"

// Key is the natural identity of a game: its players, result and date.
// The store's surrogate "id" isn't carried by archive segments, so the
// in-memory and secondary tiers and source extraction all match on Key.
// A Key is not guaranteed to be unique across an archive.
type Key struct {
	White, Black, Result, Date string
}

// NewKey returns a normalized Key. Fields are trimmed of surrounding
// whitespace, and date separators '-' and '/' are folded to '.', so that
// "1972-07-11" and "1972.07.11" are the same Key.
func NewKey(white, black, result, date string) Key {
	return Key{
		White:  strings.TrimSpace(white),
		Black:  strings.TrimSpace(black),
		Result: strings.TrimSpace(result),
		Date:   dateReplacer.Replace(strings.TrimSpace(date)),
	}
}

// String returns a human-readable form of the Key.
func (k Key) String() string {
	return k.White + " vs " + k.Black + " (" + k.Result + ", " + k.Date + ")"
}

var dateReplacer = strings.NewReplacer("-", ".", "/", ".")
