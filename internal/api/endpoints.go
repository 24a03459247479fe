package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/makoto-isback/1kdream-sub001/internal/model"
)

// Slice endpoints. Paths are wire contracts with the game backend.
const (
	pathAccount        = "/api/v1/account"
	pathOpenBets       = "/api/v1/bets/open"
	pathStandingOrders = "/api/v1/plans"
	pathActiveRound    = "/api/v1/rounds/active"
)

var slicePaths = map[model.Slice]string{
	model.SliceAccount:        pathAccount,
	model.SliceOpenBets:       pathOpenBets,
	model.SliceStandingOrders: pathStandingOrders,
	model.SliceActiveRound:    pathActiveRound,
}

// GetAccount fetches the authenticated user's account.
func (c *Client) GetAccount(ctx context.Context) (model.Account, error) {
	var out model.Account
	err := c.get(ctx, pathAccount, nil, &out)
	return out, err
}

// GetOpenBets fetches the user's open bets.
func (c *Client) GetOpenBets(ctx context.Context) ([]model.Bet, error) {
	var out []model.Bet
	err := c.get(ctx, pathOpenBets, nil, &out)
	return out, err
}

// GetStandingOrders fetches the user's auto-bet plans.
func (c *Client) GetStandingOrders(ctx context.Context) ([]model.StandingOrder, error) {
	var out []model.StandingOrder
	err := c.get(ctx, pathStandingOrders, nil, &out)
	return out, err
}

// GetActiveRound fetches the currently running round.
func (c *Client) GetActiveRound(ctx context.Context) (model.Round, error) {
	var out model.Round
	err := c.get(ctx, pathActiveRound, nil, &out)
	return out, err
}

// FetchSlice performs the pull for one slice and returns the raw
// payload. This is the shape the sync store's fetchers want: the store
// never inspects the wire format, only success or failure.
func (c *Client) FetchSlice(ctx context.Context, slice model.Slice) (json.RawMessage, error) {
	path, ok := slicePaths[slice]
	if !ok {
		return nil, fmt.Errorf("no endpoint for slice %q", slice)
	}
	return c.getRaw(ctx, path, nil)
}
