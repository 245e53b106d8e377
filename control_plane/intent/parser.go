package intent

import (
	"regexp"
	"strings"
)

// Parser turns free-text operator commands into structured requests.
// Implementations must be safe for concurrent use.
type Parser interface {
	Parse(text string) ParsedIntent
}

type ScaleRequest struct {
	Direction string `json:"direction"`
	Service   string `json:"service"`
	Region    string `json:"region"`
}

type SecurityRequest struct {
	Keyword string `json:"keyword"`
}

type CostRequest struct {
	Keyword string `json:"keyword"`
}

// ParsedIntent has one optional field per recognized category. Categories
// are not exclusive.
type ParsedIntent struct {
	ScaleRequest    *ScaleRequest    `json:"scaleRequest,omitempty"`
	SecurityRequest *SecurityRequest `json:"securityRequest,omitempty"`
	CostRequest     *CostRequest     `json:"costRequest,omitempty"`
}

// Empty reports whether nothing was recognized. Callers treat this as a no-op.
func (p ParsedIntent) Empty() bool {
	return p.ScaleRequest == nil && p.SecurityRequest == nil && p.CostRequest == nil
}

var (
	scalePattern    = regexp.MustCompile(`(?i)\bscale\s+(up|down)\s+(?:the\s+)?([\w.-]+?)(?:\s+service)?\s+in\s+([\w-]+)`)
	securityPattern = regexp.MustCompile(`(?i)\b(firewall|security)\b`)
	costPattern     = regexp.MustCompile(`(?i)\b(cost|costs|spending)\b`)
)

// RegexParser is the keyword and pattern based Parser.
type RegexParser struct{}

func NewRegexParser() *RegexParser {
	return &RegexParser{}
}

func (RegexParser) Parse(text string) ParsedIntent {
	var parsed ParsedIntent

	if m := scalePattern.FindStringSubmatch(text); m != nil {
		parsed.ScaleRequest = &ScaleRequest{
			Direction: strings.ToLower(m[1]),
			Service:   m[2],
			Region:    m[3],
		}
	}
	if m := securityPattern.FindStringSubmatch(text); m != nil {
		parsed.SecurityRequest = &SecurityRequest{Keyword: strings.ToLower(m[1])}
	}
	if m := costPattern.FindStringSubmatch(text); m != nil {
		parsed.CostRequest = &CostRequest{Keyword: strings.ToLower(m[1])}
	}
	return parsed
}
