package model

import "github.com/google/uuid"

// -----------------------------------------------------------------------------
// Slices
// -----------------------------------------------------------------------------

// Slice names a bucket in the synchronized state store.
type Slice string

const (
	SliceAccount        Slice = "account"
	SliceOpenBets       Slice = "openBets"
	SliceStandingOrders Slice = "standingOrders"
	SliceActiveRound    Slice = "activeRound"
	SliceAuthReady      Slice = "authReady"
)

// Source records which path last wrote a slice.
type Source string

const (
	SourceNone Source = "none"
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// BootstrapSlices is the ordered hydration sequence run after the first
// successful authentication.
var BootstrapSlices = []Slice{
	SliceAccount,
	SliceOpenBets,
	SliceStandingOrders,
	SliceActiveRound,
}

// AllSlices lists every slice the store manages, bootstrap order first.
var AllSlices = append(append([]Slice{}, BootstrapSlices...), SliceAuthReady)

// -----------------------------------------------------------------------------
// Inbound Events
// -----------------------------------------------------------------------------

// Event names identify server-pushed domain events. The names are wire
// contracts with the game server, not code identifiers.
const (
	EventBetRecorded    = "bet:recorded"
	EventRoundStats     = "round:stats"
	EventRoundLifecycle = "round:lifecycle"
	EventBalanceChanged = "balance:changed"
	EventPlanList       = "plan:list"
	EventFundsLifecycle = "funds:lifecycle"
)

// EventSlice maps each domain event to the slice its payload replaces.
var EventSlice = map[string]Slice{
	EventBetRecorded:    SliceOpenBets,
	EventRoundStats:     SliceActiveRound,
	EventRoundLifecycle: SliceActiveRound,
	EventBalanceChanged: SliceAccount,
	EventPlanList:       SliceStandingOrders,
	EventFundsLifecycle: SliceAccount,
}

// -----------------------------------------------------------------------------
// Payload Shapes
// -----------------------------------------------------------------------------

// Account is the authenticated user's balance view.
type Account struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Balance       int64  `json:"balance"`  // hundred-thousandths
	Locked        int64  `json:"locked"`   // amount held by open bets
	Currency      string `json:"currency"` // e.g., "USDT"
	UpdatedAt     int64  `json:"updated_at"`
}

// Bet is a single wager on a round.
type Bet struct {
	ID       uuid.UUID `json:"id"`
	RoundID  string    `json:"round_id"`
	Numbers  []int     `json:"numbers"`
	Amount   int64     `json:"amount"` // hundred-thousandths
	Status   string    `json:"status"` // open, won, lost, refunded
	PlacedAt int64     `json:"placed_at"`
}

// StandingOrder is an auto-bet plan that places the same wager each round.
type StandingOrder struct {
	ID             uuid.UUID `json:"id"`
	Numbers        []int     `json:"numbers"`
	AmountPerRound int64     `json:"amount_per_round"`
	RoundsLeft     int       `json:"rounds_left"`
	Active         bool      `json:"active"`
	CreatedAt      int64     `json:"created_at"`
}

// Round is the currently running game round.
type Round struct {
	ID           string `json:"id"`
	Phase        string `json:"phase"` // open, locked, drawing, settled
	Pot          int64  `json:"pot"`   // hundred-thousandths
	BetCount     int    `json:"bet_count"`
	DrawnNumbers []int  `json:"drawn_numbers,omitempty"`
	OpensAt      int64  `json:"opens_at"`
	ClosesAt     int64  `json:"closes_at"`
}
