package state

// Content lifecycle statuses.
const (
	ContentPendingApproval = "pending_approval"
	ContentPlanned         = "planned"
	ContentProducing       = "producing"
	ContentReady           = "ready"
	ContentPosted          = "posted"
	ContentMeasured        = "measured"
	ContentAnalyzed        = "analyzed"
	ContentCancelled       = "cancelled"
	ContentError           = "error"
)

// Publication lifecycle statuses.
const (
	PublicationScheduled = "scheduled"
	PublicationPosted    = "posted"
	PublicationMeasured  = "measured"
)

// contentTransitions is the complete edge set of the content state
// machine. Absence means the transition is invalid. analyzed, cancelled
// and error are terminal.
var contentTransitions = map[string][]string{
	ContentPendingApproval: {ContentPlanned, ContentCancelled, ContentError},
	ContentPlanned:         {ContentProducing, ContentCancelled, ContentError},
	ContentProducing:       {ContentReady, ContentCancelled, ContentError},
	ContentReady:           {ContentPosted, ContentCancelled, ContentError},
	ContentPosted:          {ContentMeasured, ContentError},
	ContentMeasured:        {ContentAnalyzed, ContentError},
	ContentAnalyzed:        {},
	ContentCancelled:       {},
	ContentError:           {},
}

var publicationTransitions = map[string][]string{
	PublicationScheduled: {PublicationPosted},
	PublicationPosted:    {PublicationMeasured},
	PublicationMeasured:  {},
}

// IsValidContentTransition reports whether from→to is an edge of the
// content state machine.
func IsValidContentTransition(from, to string) bool {
	for _, next := range contentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidPublicationTransition reports whether from→to is an edge of the
// publication state machine.
func IsValidPublicationTransition(from, to string) bool {
	for _, next := range publicationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ContentStatuses returns every known content status.
func ContentStatuses() []string {
	out := make([]string, 0, len(contentTransitions))
	for s := range contentTransitions {
		out = append(out, s)
	}
	return out
}
