package http

import (
	"sequencer/pkg/fsm"
	"sequencer/pkg/seqlog"
	"sequencer/pkg/sequencer"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusAccepted indicates background work was started.
	StatusAccepted Status = "accepted"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status   Status        `json:"status,omitempty"`
	Value    string        `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Results  []ResultView  `json:"results,omitempty"`
	Head     *uint64       `json:"head,omitempty"`
	Replicas []ReplicaView `json:"replicas,omitempty"`
	Replica  *ReplicaView  `json:"replica,omitempty"`
	Catchup  *CatchupView  `json:"catchup,omitempty"`
	Entries  []EntryView   `json:"entries,omitempty"`
}

type ResultView struct {
	Replica int       `json:"replica"`
	State   fsm.State `json:"state,omitempty"`
	Applied bool      `json:"applied"`
}

type ReplicaView struct {
	Index   int       `json:"index"`
	Present bool      `json:"present"`
	State   fsm.State `json:"state,omitempty"`
	Cursor  uint64    `json:"cursor"`
}

type EntryView struct {
	Sequence uint64 `json:"sequence"`
	Payload  string `json:"payload"`
}

type CatchupView struct {
	From     uint64 `json:"from"`
	Cursor   uint64 `json:"cursor"`
	Head     uint64 `json:"head"`
	Applied  int    `json:"applied"`
	Skipped  int    `json:"skipped"`
	Passes   int    `json:"passes"`
	CaughtUp bool   `json:"caught_up"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewAcceptedResponse() Response {
	return Response{Status: StatusAccepted}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewResultsResponse(results []sequencer.Result) Response {
	resp := Response{Status: StatusSuccess, Results: make([]ResultView, len(results))}
	for i, r := range results {
		resp.Results[i] = ResultView{Replica: r.Replica, State: r.State, Applied: r.Applied}
	}
	return resp
}

func NewReplicasResponse(head uint64, infos []sequencer.ReplicaInfo) Response {
	resp := Response{Status: StatusSuccess, Head: &head, Replicas: make([]ReplicaView, len(infos))}
	for i, info := range infos {
		resp.Replicas[i] = replicaView(info)
	}
	return resp
}

func NewReplicaResponse(info sequencer.ReplicaInfo) Response {
	v := replicaView(info)
	return Response{Status: StatusSuccess, Replica: &v}
}

func NewCatchupResponse(rep sequencer.CatchupReport) Response {
	return Response{Status: StatusSuccess, Catchup: &CatchupView{
		From:     rep.From,
		Cursor:   rep.Cursor,
		Head:     rep.Head,
		Applied:  rep.Applied,
		Skipped:  rep.Skipped,
		Passes:   rep.Passes,
		CaughtUp: rep.CaughtUp,
	}}
}

func NewEntriesResponse(head uint64, entries []seqlog.Entry) Response {
	resp := Response{Status: StatusSuccess, Head: &head, Entries: make([]EntryView, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = EntryView{Sequence: e.Sequence, Payload: e.Payload}
	}
	return resp
}

func replicaView(info sequencer.ReplicaInfo) ReplicaView {
	return ReplicaView{Index: info.Index, Present: info.Present, State: info.State, Cursor: info.Cursor}
}
