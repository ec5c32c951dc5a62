package webapp

import (
	"context"

	"nuha.dev/bustracker/internal/fleet"
	"nuha.dev/bustracker/internal/waypoint"
)

type latestRequest struct {
	CampWeekend string `json:"campWeekend"`
}

type waypointsResponse struct {
	Waypoints []*waypoint.Waypoint `json:"waypoints"`
}

type routeRequest struct {
	BusId       string `json:"busId" validate:"required"`
	CampWeekend string `json:"campWeekend"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type boardResponse struct {
	Board *fleet.Board `json:"board"`
}

func (api *Api) fn_latest(ctx context.Context, req *latestRequest, res *waypointsResponse) error {
	ws, err := api.agg.Latest(ctx, req.CampWeekend)
	if err != nil {
		return err
	}
	res.Waypoints = api.with_refs(ws)
	return nil
}

func (api *Api) fn_route(ctx context.Context, req *routeRequest, res *waypointsResponse) error {
	q, err := history_query(req.BusId, req.CampWeekend, req.From, req.To)
	if err != nil {
		return badRequest{err}
	}
	ws, err := api.st.History(ctx, q)
	if err != nil {
		return err
	}
	res.Waypoints = api.with_refs(ws)
	return nil
}

func (api *Api) fn_board(ctx context.Context, req *latestRequest, res *boardResponse) error {
	b, err := api.board(ctx, req.CampWeekend)
	if err != nil {
		return err
	}
	res.Board = b
	return nil
}
