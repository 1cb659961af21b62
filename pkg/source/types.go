package source

import "time"

// Interaction event kinds emitted by the upstream feed.
const (
	KindView     = "view"
	KindVote     = "vote"
	KindBookmark = "bookmark"
	KindRating   = "rating"
	KindPurchase = "purchase"
	KindComment  = "comment"
)

// Kinds lists every event kind the builders fan out over.
//
//nolint:gochecknoglobals // Static enumeration of upstream event kinds
var Kinds = []string{KindView, KindVote, KindBookmark, KindRating, KindPurchase, KindComment}

// Event is one raw user/title interaction from the upstream feed.
type Event struct {
	UserID     int64
	TitleID    int64
	Kind       string
	Weight     float64
	OccurredAt time.Time
	// Attributes carries the denormalized event and title columns that
	// configuration filter conditions evaluate against.
	Attributes map[string]any
}

// Window bounds an event query in time. A zero From means unbounded history.
type Window struct {
	From time.Time
	To   time.Time
}
