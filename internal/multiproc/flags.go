package multiproc

import (
	"strconv"
	"strings"
)

// ProcTest holds test-only instructions for SetUp. It is a bit set so new
// skip conditions can be added without changing call sites.
type ProcTest uint32

const (
	ProcTestNone ProcTest = 0
	// ProcTestDNE ("does not exist") makes SetUp return no descriptor and
	// allocate nothing, modelling an optional worker that was never started.
	ProcTestDNE ProcTest = 1 << 0
)

func (p ProcTest) Has(flag ProcTest) bool { return flag != 0 && p&flag == flag }

func (p ProcTest) String() string {
	if p == ProcTestNone {
		return "NONE"
	}
	var parts []string
	if p.Has(ProcTestDNE) {
		parts = append(parts, "DNE")
	}
	if rest := p &^ ProcTestDNE; rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// DebugFlag bits are carried to the worker untouched; tasks may interpret
// any bit. The trampoline itself only looks at DebugLogHandoff.
type DebugFlag uint32

const (
	DebugNone DebugFlag = 0
	// DebugLogHandoff logs the decoded hand-off inside the worker at info level.
	DebugLogHandoff DebugFlag = 1 << 0
)

func (f DebugFlag) Has(flag DebugFlag) bool { return flag != 0 && f&flag == flag }
