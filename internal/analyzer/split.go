package analyzer

import (
	"regexp"
	"strings"

	"github.com/johndauphine/sqlconv/internal/dialect"
)

var (
	goLine        = regexp.MustCompile(`(?i)^\s*GO(\s+\d+)?\s*(--.*)?$`)
	slashLine     = regexp.MustCompile(`^\s*/\s*$`)
	delimiterLine = regexp.MustCompile(`(?i)^\s*DELIMITER\s+(\S+)\s*$`)
	dollarTag     = regexp.MustCompile(`^\$[A-Za-z_0-9]*\$`)

	keyword     = regexp.MustCompile(`\.?[A-Za-z_][A-Za-z0-9_#]*|;`)
	routineHead = regexp.MustCompile(`(?i)^\s*(CREATE\s+(OR\s+REPLACE\s+)?((NON)?EDITIONABLE\s+)?(PROCEDURE|FUNCTION|TRIGGER)\b|DECLARE\b)`)
	packageHead = regexp.MustCompile(`(?i)^\s*CREATE\s+(OR\s+REPLACE\s+)?((NON)?EDITIONABLE\s+)?(PACKAGE|TYPE\s+BODY)\b`)
)

// BEGIN followed by one of these is a statement, not a block.
var beginStatements = map[string]bool{
	"TRAN": true, "TRANSACTION": true, "DISTRIBUTED": true,
	"DIALOG": true, "CONVERSATION": true, "WORK": true,
}

// END followed by one of these closes a construct that never counted up.
var endStatements = map[string]bool{
	"IF": true, "LOOP": true, "WHILE": true, "REPEAT": true, "FOR": true,
	"CONVERSATION": true, "TRANSACTION": true,
}

// lineState carries the lexical context that spans lines. Statement
// boundaries are only honoured when no construct is open.
type lineState struct {
	inBlockComment bool
	inString       bool
	dollarTag      string // open dollar-quote tag, e.g. "$$" or "$body$"
	inProcBody     bool   // between BEGIN_PROC and END_PROC
	depth          int    // open BEGIN/CASE blocks
	header         bool   // routine header or DECLARE seen, BEGIN not yet
}

func (s *lineState) open() bool {
	return s.inBlockComment || s.inString || s.dollarTag != "" || s.inProcBody
}

// scan advances the state over one line and returns the code portion of the
// line with comments and literal contents removed.
func (s *lineState) scan(line string, dollarQuoting bool, procOpen, procClose string) string {
	var code strings.Builder
	i := 0
	for i < len(line) {
		switch {
		case s.inBlockComment:
			end := strings.Index(line[i:], "*/")
			if end < 0 {
				return code.String()
			}
			s.inBlockComment = false
			i += end + 2
		case s.inString:
			end := strings.IndexByte(line[i:], '\'')
			if end < 0 {
				return code.String()
			}
			// '' is an escaped quote: it closes and reopens in one step.
			s.inString = false
			i += end + 1
		case s.dollarTag != "":
			end := strings.Index(line[i:], s.dollarTag)
			if end < 0 {
				return code.String()
			}
			i += end + len(s.dollarTag)
			s.dollarTag = ""
			code.WriteString("$$")
		default:
			rest := line[i:]
			switch {
			case strings.HasPrefix(rest, "--"):
				return code.String()
			case strings.HasPrefix(rest, "/*"):
				s.inBlockComment = true
				i += 2
			case rest[0] == '\'':
				s.inString = true
				code.WriteString("''")
				i++
			case dollarQuoting && rest[0] == '$':
				if tag := dollarTag.FindString(rest); tag != "" {
					s.dollarTag = tag
					i += len(tag)
					continue
				}
				code.WriteByte('$')
				i++
			default:
				code.WriteByte(rest[0])
				i++
			}
		}
	}

	if procOpen != "" {
		upper := strings.ToUpper(code.String())
		if strings.Contains(upper, procOpen) {
			s.inProcBody = true
		}
		if strings.Contains(upper, procClose) {
			s.inProcBody = false
		}
	}
	return code.String()
}

// settled reports whether a ';' boundary may be taken.
func (s *lineState) settled() bool {
	return s.depth == 0 && !s.header
}

// track counts block keywords in the code portion of a line.
func (s *lineState) track(code string, headers bool) {
	if headers && s.settled() {
		switch {
		case packageHead.MatchString(code):
			s.depth++
		case routineHead.MatchString(code):
			s.header = true
		}
	}
	words := keyword.FindAllString(strings.ToUpper(code), -1)
	for i := 0; i < len(words); i++ {
		next := ""
		if i+1 < len(words) {
			next = words[i+1]
		}
		switch words[i] {
		case "BEGIN":
			if next == ";" || beginStatements[next] {
				continue
			}
			s.header = false
			s.depth++
		case "CASE":
			s.depth++
		case "END":
			if endStatements[next] {
				i++
				continue
			}
			if next == "CASE" {
				i++
			}
			if s.depth > 0 {
				s.depth--
			}
		}
	}
}

func (s *lineState) resetBlocks() {
	s.depth, s.header = 0, false
}

// SplitStatements cuts text into consecutive segments that each end on a
// statement boundary. Boundaries are found by classifying whole lines, never
// by parsing SQL, so every segment ends at a line end (or the end of text)
// and joining the segments reproduces text exactly.
func SplitStatements(text string, d dialect.Dialect) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	sep := d.Separator()
	openMarker, closeMarker := d.BodyMarkers()
	dollarQuoting := openMarker == "$"
	procOpen, procClose := "", ""
	if !dollarQuoting && openMarker != "" {
		procOpen, procClose = strings.ToUpper(openMarker), strings.ToUpper(closeMarker)
	}

	blocks, headers := d.Blocks()

	// Batch-separated dialects fall back to ';' only when the file has no separators.
	separatorsOnly := false
	switch sep {
	case dialect.SeparatorGo:
		separatorsOnly = hasSeparatorLine(lines, goLine)
	case dialect.SeparatorSlash:
		separatorsOnly = hasSeparatorLine(lines, slashLine)
	}

	var (
		segments  []string
		current   strings.Builder
		state     lineState
		delimiter = ";"
	)
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		current.WriteString(line)
		wasOpen := state.open()
		code := state.scan(line, dollarQuoting, procOpen, procClose)
		if blocks {
			state.track(code, headers)
		}
		if wasOpen || state.open() {
			if !state.open() && state.settled() && !separatorsOnly && endsWith(code, delimiter) {
				flush()
			}
			continue
		}

		body := strings.TrimRight(line, "\r\n")
		switch {
		case sep == dialect.SeparatorGo && goLine.MatchString(body):
			state.resetBlocks()
			flush()
		case sep == dialect.SeparatorSlash && slashLine.MatchString(body):
			state.resetBlocks()
			flush()
		case sep == dialect.SeparatorDelimiter && delimiterLine.MatchString(body):
			delimiter = delimiterLine.FindStringSubmatch(body)[1]
			state.resetBlocks()
			flush()
		case !separatorsOnly && state.settled() && endsWith(code, delimiter):
			flush()
		}
	}
	flush()
	return segments
}

func endsWith(code, delimiter string) bool {
	return strings.HasSuffix(strings.TrimRight(code, " \t\r\n"), delimiter)
}

func hasSeparatorLine(lines []string, re *regexp.Regexp) bool {
	var state lineState
	for _, line := range lines {
		wasOpen := state.open()
		state.scan(line, false, "", "")
		if !wasOpen && re.MatchString(strings.TrimRight(line, "\r\n")) {
			return true
		}
	}
	return false
}
