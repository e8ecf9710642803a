package models

import "strings"

// Verdict is the judger's classification of a submission outcome.
type Verdict string

const (
	VerdictNone                Verdict = ""
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "WrongAnswer"
	VerdictTimeLimitExceeded   Verdict = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded Verdict = "MemoryLimitExceeded"
	VerdictRuntimeError        Verdict = "RuntimeError"
	VerdictCompileError        Verdict = "CompileError"
	VerdictInternalError       Verdict = "InternalError"
)

var verdictAliases = map[string]Verdict{
	"ac":                    VerdictAccepted,
	"accepted":              VerdictAccepted,
	"wa":                    VerdictWrongAnswer,
	"wronganswer":           VerdictWrongAnswer,
	"wrong_answer":          VerdictWrongAnswer,
	"tle":                   VerdictTimeLimitExceeded,
	"timelimitexceeded":     VerdictTimeLimitExceeded,
	"time_limit_exceeded":   VerdictTimeLimitExceeded,
	"mle":                   VerdictMemoryLimitExceeded,
	"memorylimitexceeded":   VerdictMemoryLimitExceeded,
	"memory_limit_exceeded": VerdictMemoryLimitExceeded,
	"rte":                   VerdictRuntimeError,
	"re":                    VerdictRuntimeError,
	"runtimeerror":          VerdictRuntimeError,
	"runtime_error":         VerdictRuntimeError,
	"ce":                    VerdictCompileError,
	"compileerror":          VerdictCompileError,
	"compile_error":         VerdictCompileError,
	"compilation_error":     VerdictCompileError,
	"ie":                    VerdictInternalError,
	"internalerror":         VerdictInternalError,
	"internal_error":        VerdictInternalError,
}

// ParseVerdict accepts both the full verdict names and the short judge codes (AC, WA, TLE, ...).
func ParseVerdict(raw string) (Verdict, bool) {
	v, ok := verdictAliases[strings.ToLower(strings.TrimSpace(raw))]
	return v, ok
}

// IsAccepted reports whether the verdict is Accepted.
func (v Verdict) IsAccepted() bool {
	return v == VerdictAccepted
}
