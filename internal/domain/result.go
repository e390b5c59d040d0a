package domain

// RecordResult reports whether a best-effort statistics write landed. A failed
// result is logged where it is produced and never surfaces to chat handlers.
type RecordResult struct {
	Err error
}

// Recorded is the successful RecordResult.
func Recorded() RecordResult {
	return RecordResult{}
}

// Failed wraps err into a RecordResult.
func Failed(err error) RecordResult {
	return RecordResult{Err: err}
}

// OK reports whether every write completed.
func (r RecordResult) OK() bool {
	return r.Err == nil
}
