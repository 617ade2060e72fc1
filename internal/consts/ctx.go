package consts

// CtxKey is the type used for context value keys across the runtime.
type CtxKey string

const (
	CtxKeyLogID CtxKey = "log_id"
	CtxKeyJobID CtxKey = "job_id"
	CtxKeyRunID CtxKey = "run_id"
	CtxKeyLane  CtxKey = "lane"
)
