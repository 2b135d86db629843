package policy

import "errors"

// Reason enumerates why a configuration was rejected
type Reason string

const (
	ReasonUnsupportedTier           Reason = "UnsupportedTier"
	ReasonUnsupportedSpeechModel    Reason = "UnsupportedSpeechModel"
	ReasonUnsupportedEngine         Reason = "UnsupportedEngine"
	ReasonUnsupportedEmbeddingModel Reason = "UnsupportedEmbeddingModel"
	ReasonFileTooLarge              Reason = "FileTooLarge"
	ReasonClipTooLong               Reason = "ClipTooLong"
)

// ErrRejected matches any *Rejection with errors.Is
var ErrRejected = errors.New("configuration rejected")

// Rejection is returned by Validate for an invalid configuration
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return string(r.Reason) + ": " + r.Message
}

// Is makes errors.Is(err, ErrRejected) true for every rejection
func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// AsRejection extracts a *Rejection from err
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
