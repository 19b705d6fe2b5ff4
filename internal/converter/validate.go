package converter

import (
	"regexp"
	"strings"

	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/prompt"
	"github.com/johndauphine/sqlconv/internal/util"
)

// Validator judges backend responses. Rejected output is kept as
// generated_text so the fixer can show it to the backend.
type Validator struct {
	reject []*regexp.Regexp
}

// NewValidator compiles reject patterns. A bad pattern is a ConfigFault.
func NewValidator(rejectPatterns []string) (*Validator, error) {
	v := &Validator{}
	for _, p := range rejectPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fault.Config("validation.reject_patterns", "pattern %q: %v", p, err)
		}
		v.reject = append(v.reject, re)
	}
	return v, nil
}

// Outcome is the ledger write that follows one backend call.
type Outcome struct {
	Status ledger.Status
	// Text is nil when the call produced nothing worth keeping; the previous
	// generated_text then stays in place.
	Text  *string
	Error string
}

// Fields converts the outcome to a ledger update guarded on IN_PROGRESS.
func (o Outcome) Fields() ledger.Fields {
	f := ledger.Set(o.Status).Error(o.Error).When(ledger.StatusInProgress)
	if o.Text != nil {
		f = f.Text(*o.Text)
	}
	return f
}

// Judge maps a backend response or error onto a unit outcome: transport
// faults become ERROR, every other failure FAILED.
func (v *Validator) Judge(response string, err error) Outcome {
	if err != nil {
		status := ledger.StatusFailed
		if fault.Retriable(err) {
			status = ledger.StatusError
		}
		return Outcome{Status: status, Error: err.Error()}
	}

	code := prompt.ExtractCode(response)
	if strings.TrimSpace(code) == "" {
		return Outcome{Status: ledger.StatusFailed, Error: fault.Content("backend returned no code").Error()}
	}
	if v != nil {
		for _, re := range v.reject {
			if loc := re.FindStringIndex(code); loc != nil {
				msg := fault.Content("output matches reject pattern %q at %q", re.String(), util.Truncate(code[loc[0]:loc[1]], 60)).Error()
				return Outcome{Status: ledger.StatusFailed, Text: &code, Error: msg}
			}
		}
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return Outcome{Status: ledger.StatusSuccess, Text: &code}
}
