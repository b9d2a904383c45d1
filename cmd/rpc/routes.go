package rpc

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

const (
	VersionRoutePath     = "/v1/"
	PeersRoutePath       = "/v1/peers"
	RoundRoutePath       = "/v1/round/*subject"
	OutcomeRoutePath     = "/v1/outcome/*subject"
	HistoryRoutePath     = "/v1/history/*subject"
	SessionRoutePath     = "/v1/session/:id"
	OpenIntentRoutePath  = "/v1/round/intent"
	OpenVoteRoutePath    = "/v1/round/vote"
	OpenSessionRoutePath = "/v1/round/session"
	IntentRoutePath      = "/v1/intent"
	VoteRoutePath        = "/v1/vote"
	MoveRoutePath        = "/v1/move"
	PublishRoutePath     = "/v1/publish"
	CloseRoutePath       = "/v1/close"
	CancelRoutePath      = "/v1/cancel"
	VersionRouteName     = "version"
	PeersRouteName       = "peers"
	RoundRouteName       = "round"
	OutcomeRouteName     = "outcome"
	HistoryRouteName     = "history"
	SessionRouteName     = "session"
	OpenIntentRouteName  = "open-intent"
	OpenVoteRouteName    = "open-vote"
	OpenSessionRouteName = "open-session"
	IntentRouteName      = "intent"
	VoteRouteName        = "vote"
	MoveRouteName        = "move"
	PublishRouteName     = "publish"
	CloseRouteName       = "close"
	CancelRouteName      = "cancel"
)

// routes contains the method and path for an accord command
type routes map[string]struct {
	Method string
	Path   string
}

// routePaths is a mapping from route names to their corresponding HTTP methods and paths
var routePaths = routes{
	VersionRouteName:     {Method: http.MethodGet, Path: VersionRoutePath},
	PeersRouteName:       {Method: http.MethodGet, Path: PeersRoutePath},
	RoundRouteName:       {Method: http.MethodGet, Path: RoundRoutePath},
	OutcomeRouteName:     {Method: http.MethodGet, Path: OutcomeRoutePath},
	HistoryRouteName:     {Method: http.MethodGet, Path: HistoryRoutePath},
	SessionRouteName:     {Method: http.MethodGet, Path: SessionRoutePath},
	OpenIntentRouteName:  {Method: http.MethodPost, Path: OpenIntentRoutePath},
	OpenVoteRouteName:    {Method: http.MethodPost, Path: OpenVoteRoutePath},
	OpenSessionRouteName: {Method: http.MethodPost, Path: OpenSessionRoutePath},
	IntentRouteName:      {Method: http.MethodPost, Path: IntentRoutePath},
	VoteRouteName:        {Method: http.MethodPost, Path: VoteRoutePath},
	MoveRouteName:        {Method: http.MethodPost, Path: MoveRoutePath},
	PublishRouteName:     {Method: http.MethodPost, Path: PublishRoutePath},
	CloseRouteName:       {Method: http.MethodPost, Path: CloseRoutePath},
	CancelRouteName:      {Method: http.MethodPost, Path: CancelRoutePath},
}

// httpRouteHandlers is a custom type that maps strings to httprouter handle functions
type httpRouteHandlers map[string]httprouter.Handle

// createRouter() initializes the router of the coordination api
func createRouter(s *Server) *httprouter.Router {
	var r = httpRouteHandlers{
		VersionRouteName:     s.Version,
		PeersRouteName:       s.Peers,
		RoundRouteName:       s.Round,
		OutcomeRouteName:     s.Outcome,
		HistoryRouteName:     s.History,
		SessionRouteName:     s.Session,
		OpenIntentRouteName:  s.OpenIntentRound,
		OpenVoteRouteName:    s.OpenVoteRound,
		OpenSessionRouteName: s.OpenSession,
		IntentRouteName:      s.SubmitIntent,
		VoteRouteName:        s.CastVote,
		MoveRouteName:        s.SubmitMove,
		PublishRouteName:     s.Publish,
		CloseRouteName:       s.Close,
		CancelRouteName:      s.Cancel,
	}
	router := httprouter.New()
	for name, handler := range r {
		router.Handle(routePaths[name].Method, routePaths[name].Path, handler)
	}
	return router
}
