package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Sentinels substituted by the default rules.
const (
	ToolCallID    = "<<TOOL_CALL_ID>>"
	SessionID     = "<<SESSION_ID>>"
	MessageID     = "<<MESSAGE_ID>>"
	RunID         = "<<RUN_ID>>"
	GenericID     = "<<ID>>"
	Timestamp     = "<<TIMESTAMP>>"
	ExecutionTime = "<<EXECUTION_TIME>>"
	ElapsedTime   = "<<ELAPSED_TIME>>"
	ImageData     = "<<IMAGE_DATA>>"

	// Circular replaces a reference already on the current traversal path.
	Circular = "[Circular]"
)

// Pattern matches a member key or its full path.
type Pattern interface {
	Match(s string) bool
	String() string
}

type exactPattern string

// Exact matches a key or path by string equality.
func Exact(s string) Pattern { return exactPattern(s) }

func (p exactPattern) Match(s string) bool { return string(p) == s }
func (p exactPattern) String() string      { return string(p) }

type regexpPattern struct{ re *regexp.Regexp }

// Regexp compiles expr into a pattern.
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("normalize: pattern %q: %w", expr, err)
	}
	return regexpPattern{re: re}, nil
}

// MustRegexp is Regexp for package-level patterns; it panics on bad input.
func MustRegexp(expr string) Pattern {
	p, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p regexpPattern) Match(s string) bool { return p.re.MatchString(s) }
func (p regexpPattern) String() string      { return p.re.String() }

// ParsePattern turns a configuration string into a pattern. Strings wrapped
// in slashes ("/expr/") are regular expressions, anything else is exact.
func ParsePattern(s string) (Pattern, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return Regexp(s[1 : len(s)-1])
	}
	return Exact(s), nil
}

// Rule replaces the value of every member whose key or path matches Pattern.
type Rule struct {
	Pattern     Pattern
	Replacement any
	// Recurse applies Replacement to every primitive leaf of a container
	// value instead of replacing the container.
	Recurse bool
	// Guard, when set, must accept the raw value for the rule to match.
	Guard func(v any) bool
}

// CustomFunc computes the normalized value of a member. Its result is used
// verbatim.
type CustomFunc func(value any, path string) (any, error)

// CustomRule binds a CustomFunc to a pattern.
type CustomRule struct {
	Pattern Pattern
	Fn      CustomFunc
}

func isImageData(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, "data:image/")
}

// DefaultRules returns the built-in volatile-field rules. Specific id forms
// come before the generic id rule.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: MustRegexp(`(?i)tool_?(call|use)_?id$`), Replacement: ToolCallID},
		{Pattern: MustRegexp(`(?i)session_?id$`), Replacement: SessionID},
		{Pattern: MustRegexp(`(?i)message_?id$`), Replacement: MessageID},
		{Pattern: MustRegexp(`(?i)run_?id$`), Replacement: RunID},
		{Pattern: MustRegexp(`^(?i:id)$|_(?i:id)$|[a-z0-9](Id|ID)$`), Replacement: GenericID},
		{Pattern: MustRegexp(`(?i)(timestamp|created_?at|creation_?time|start_?time|started_?at|updated_?at)$|^(?i:created)$`), Replacement: Timestamp, Recurse: true},
		{Pattern: MustRegexp(`(?i)execution_?time(_?ms)?$`), Replacement: ExecutionTime, Recurse: true},
		{Pattern: MustRegexp(`(?i)(elapsed(_?time)?|duration|first_?token_?time|total_?latency|total_?time|latency)(_?ms)?$`), Replacement: ElapsedTime, Recurse: true},
		{Pattern: MustRegexp(`^(?i:url|data|image|image_url|source)$`), Replacement: ImageData, Guard: isImageData},
	}
}
