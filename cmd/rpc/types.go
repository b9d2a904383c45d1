package rpc

import "github.com/canopy-network/accord/lib"

type openIntentRequest struct {
	ResourceKey string       `json:"resourceKey"`
	WindowMS    uint64       `json:"windowMS"` // 0 uses the configured default
	Expected    []lib.PeerID `json:"expected"`
}

type openVoteRequest struct {
	ProposalID string          `json:"proposalID"`
	WindowMS   uint64          `json:"windowMS"` // 0 uses the configured default
	Params     lib.RoundParams `json:"params"`
}

type openSessionRequest struct {
	SessionID string          `json:"sessionID"`
	Params    lib.RoundParams `json:"params"`
}

type intentRequest struct {
	ResourceKey string       `json:"resourceKey"`
	Priority    uint64       `json:"priority"`
	Data        lib.HexBytes `json:"data"`
}

type voteRequest struct {
	ProposalID string     `json:"proposalID"`
	Choice     lib.Choice `json:"choice"` // yes, no or abstain
	Weight     uint64     `json:"weight"`
}

type moveRequest struct {
	SessionID string       `json:"sessionID"`
	Data      lib.HexBytes `json:"data"`
}

type publishRequest struct {
	Topic string       `json:"topic"`
	Data  lib.HexBytes `json:"data"`
}

type subjectRequest struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"` // cancel only
}

// SubmitResponse identifies what an api call opened or contributed
type SubmitResponse struct {
	Subject   string `json:"subject,omitempty"`
	MessageID string `json:"messageID,omitempty"`
	Nonce     uint64 `json:"nonce,omitempty"`
}

// OutcomeResponse is an outcome with its ledger receipt once one exists
type OutcomeResponse struct {
	Outcome *lib.Outcome `json:"outcome"`
	Receipt *lib.Receipt `json:"receipt,omitempty"`
}
