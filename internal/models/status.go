package models

type ListingStatus string

const (
	ListingListed   ListingStatus = "listed"
	ListingMatched  ListingStatus = "matched"
	ListingPickedUp ListingStatus = "picked_up"
)

type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchAccepted MatchStatus = "accepted"
	MatchDeclined MatchStatus = "declined"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
)

// MatchDecision is the seller's answer to a pending match
type MatchDecision string

const (
	DecisionAccept  MatchDecision = "accept"
	DecisionDecline MatchDecision = "decline"
)

// matched -> listed (decline) is the only backward edge
var listingNext = map[ListingStatus]map[ListingStatus]bool{
	ListingListed:   {ListingMatched: true},
	ListingMatched:  {ListingPickedUp: true, ListingListed: true},
	ListingPickedUp: {},
}

var matchNext = map[MatchStatus]map[MatchStatus]bool{
	MatchPending:  {MatchAccepted: true, MatchDeclined: true},
	MatchAccepted: {},
	MatchDeclined: {},
}

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:   {OrderCompleted: true},
	OrderCompleted: {},
}

func CanListingTransition(from, to ListingStatus) bool {
	return listingNext[from][to]
}

func CanMatchTransition(from, to MatchStatus) bool {
	return matchNext[from][to]
}

func CanOrderTransition(from, to OrderStatus) bool {
	return orderNext[from][to]
}

// Outcome returns the listing and match states a decision leads to
func (d MatchDecision) Outcome() (ListingStatus, MatchStatus, bool) {
	switch d {
	case DecisionAccept:
		return ListingPickedUp, MatchAccepted, true
	case DecisionDecline:
		return ListingListed, MatchDeclined, true
	}
	return "", "", false
}
