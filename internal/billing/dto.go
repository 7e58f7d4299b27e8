package billing

// SubmitLoadRequest is the body of a submission or retry call. The actor id
// comes from the platform's session layer at the edge; it is carried
// explicitly so audit records stay attributable.
type SubmitLoadRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

// DashboardResponse is the read-path payload.
type DashboardResponse struct {
	Counts  Counts  `json:"counts"`
	Buckets Buckets `json:"buckets"`
}

// ActionResponse reports a write-path outcome with its operator message.
type ActionResponse struct {
	Message string        `json:"message"`
	Outcome SubmitOutcome `json:"outcome,omitempty"`
	Invoice *Invoice      `json:"invoice,omitempty"`
}
