package rpc

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/canopy-network/accord/lib"
	"github.com/julienschmidt/httprouter"
)

// Version() returns the software version of the peer
func (s *Server) Version(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	write(w, SoftwareVersion, http.StatusOK)
}

// Peers() lists the connected peers
func (s *Server) Peers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	peers := s.node.Peers()
	if peers == nil {
		peers = []lib.PeerID{}
	}
	write(w, peers, http.StatusOK)
}

// Round() is a snapshot of the subject's latest round
func (s *Server) Round(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	snapshot, err := s.node.Status(subjectParam(p))
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, snapshot, http.StatusOK)
}

// Outcome() returns the outcome of the subject's latest closed round, or of the epoch named by the query
func (s *Server) Outcome(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	subject := subjectParam(p)
	epoch, ok := uintQuery(w, r, "epoch")
	if !ok {
		return
	}
	var (
		o   *lib.Outcome
		err lib.ErrorI
	)
	if epoch == 0 {
		o, err = s.node.Outcome(subject)
	} else if s.archive != nil {
		o, err = s.archive.GetOutcome(subject, epoch)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if o == nil {
		writeErr(w, lib.ErrOutcomeNotFound(subject, epoch))
		return
	}
	response := &OutcomeResponse{Outcome: o}
	if s.archive != nil {
		if response.Receipt, err = s.archive.GetReceipt(o.Subject, o.Epoch); err != nil {
			writeErr(w, err)
			return
		}
	}
	write(w, response, http.StatusOK)
}

// History() lists the archived outcomes of a subject, newest first
func (s *Server) History(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	limit, ok := uintQuery(w, r, "limit")
	if !ok {
		return
	}
	list := make([]*lib.Outcome, 0)
	if s.archive != nil {
		found, err := s.archive.Outcomes(subjectParam(p), int(limit))
		if err != nil {
			writeErr(w, err)
			return
		}
		list = append(list, found...)
	}
	write(w, list, http.StatusOK)
}

// Session() summarizes a game session
func (s *Server) Session(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	info, err := s.node.Session(p.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, info, http.StatusOK)
}

// OpenIntentRound() opens and announces a round for a contested resource
func (s *Server) OpenIntentRound(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(openIntentRequest)
	if !unmarshal(w, r, req) {
		return
	}
	subject, err := s.node.OpenIntentRound(req.ResourceKey, lib.MSToDuration(req.WindowMS), req.Expected...)
	writeSubject(w, subject, err)
}

// OpenVoteRound() opens and announces a round for a proposal
func (s *Server) OpenVoteRound(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(openVoteRequest)
	if !unmarshal(w, r, req) {
		return
	}
	subject, err := s.node.OpenVoteRound(req.ProposalID, lib.MSToDuration(req.WindowMS), req.Params)
	writeSubject(w, subject, err)
}

// OpenSession() registers and announces a game session
func (s *Server) OpenSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(openSessionRequest)
	if !unmarshal(w, r, req) {
		return
	}
	subject, err := s.node.OpenSession(req.SessionID, req.Params)
	writeSubject(w, subject, err)
}

// SubmitIntent() claims a resource for this peer
func (s *Server) SubmitIntent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(intentRequest)
	if !unmarshal(w, r, req) {
		return
	}
	e, err := s.node.SubmitIntent(req.ResourceKey, req.Priority, req.Data)
	writeEnvelope(w, lib.SubjectKey(lib.KindIntent, req.ResourceKey), e, err)
}

// CastVote() votes on a proposal for this peer
func (s *Server) CastVote(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(voteRequest)
	if !unmarshal(w, r, req) {
		return
	}
	e, err := s.node.CastVote(req.ProposalID, req.Choice, req.Weight)
	writeEnvelope(w, lib.SubjectKey(lib.KindVote, req.ProposalID), e, err)
}

// SubmitMove() extends the session's winning chain with a move of this peer
func (s *Server) SubmitMove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(moveRequest)
	if !unmarshal(w, r, req) {
		return
	}
	m, err := s.node.NextMove(req.SessionID, req.Data)
	if err != nil {
		writeErr(w, err)
		return
	}
	e, err := s.node.SubmitMove(m)
	writeEnvelope(w, lib.SubjectKey(lib.KindMove, req.SessionID), e, err)
}

// Publish() floods a free-form message on a topic
func (s *Server) Publish(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(publishRequest)
	if !unmarshal(w, r, req) {
		return
	}
	e, err := s.node.Publish(req.Topic, req.Data)
	writeEnvelope(w, "", e, err)
}

// Close() finalizes the subject's round now
func (s *Server) Close(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(subjectRequest)
	if !unmarshal(w, r, req) {
		return
	}
	o, err := s.node.Close(req.Subject)
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, o, http.StatusOK)
}

// Cancel() closes the subject's round without a decision
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(subjectRequest)
	if !unmarshal(w, r, req) {
		return
	}
	o, err := s.node.Cancel(req.Subject, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, o, http.StatusOK)
}

// subjectParam() extracts the subject of a catch-all route, subjects contain slashes
func subjectParam(p httprouter.Params) string {
	return strings.TrimPrefix(p.ByName("subject"), "/")
}

// uintQuery() parses an optional unsigned query parameter, answering 400 when it's malformed
func uintQuery(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		write(w, lib.ErrInvalidParams(err), http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

func writeSubject(w http.ResponseWriter, subject string, err lib.ErrorI) {
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, &SubmitResponse{Subject: subject}, http.StatusOK)
}

func writeEnvelope(w http.ResponseWriter, subject string, e *lib.Envelope, err lib.ErrorI) {
	if err != nil {
		writeErr(w, err)
		return
	}
	write(w, &SubmitResponse{Subject: subject, MessageID: e.ID.String(), Nonce: e.Nonce}, http.StatusOK)
}

// writeErr() answers with the error and the status code its kind maps to
func writeErr(w http.ResponseWriter, err lib.ErrorI) {
	write(w, err, statusCode(err))
}

// statusCode() maps a coordination error to an http status
func statusCode(err lib.ErrorI) int {
	switch {
	case lib.IsCode(err, lib.RoundModule, lib.CodeNoSuchRound),
		lib.IsCode(err, lib.CoordinatorModule, lib.CodeUnknownSession),
		lib.IsCode(err, lib.RPCModule, lib.CodeOutcomeNotFound):
		return http.StatusNotFound
	case lib.IsCode(err, lib.RoundModule, lib.CodeRoundClosed),
		lib.IsCode(err, lib.RoundModule, lib.CodeAlreadyOpen),
		lib.IsCode(err, lib.RoundModule, lib.CodeSubjectHalted):
		return http.StatusConflict
	case lib.IsCode(err, lib.CoordinatorModule, lib.CodeNodeStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
