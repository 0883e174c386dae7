package game

// Route is the canonical UI destination for a game status.
type Route string

const (
	RouteBriefing Route = "briefing"
	RouteCanvas   Route = "canvas"
	RouteVoting   Route = "voting"
	RouteResults  Route = "results"
	RouteLobby    Route = "lobby"
)

var statusRoutes = map[Status]Route{
	StatusWaiting:   RouteBriefing,
	StatusBriefing:  RouteBriefing,
	StatusDrawing:   RouteCanvas,
	StatusVoting:    RouteVoting,
	StatusResults:   RouteResults,
	StatusCompleted: RouteLobby,
	StatusCancelled: RouteLobby,
}

// RouteFor maps a status to its screen. Unknown statuses land in the lobby,
// the safe fallback view.
func RouteFor(s Status) Route {
	if r, ok := statusRoutes[s]; ok {
		return r
	}
	return RouteLobby
}
