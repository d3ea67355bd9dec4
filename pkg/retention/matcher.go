package retention

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/regprune/regprune/pkg/api/config"
)

type patternRule struct {
	// anchored only decides whether the rule applies, the key is built with regex
	anchored *regexp.Regexp
	regex    *regexp.Regexp
	template string
	exclude  bool
}

// PatternMatcher turns tags into sort keys using the first matching rule of a pattern group.
type PatternMatcher struct {
	rules []patternRule
}

func NewPatternMatcher(group config.PatternGroup) (*PatternMatcher, error) {
	rules := make([]patternRule, 0, len(group))

	for _, rule := range group {
		regex, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, err
		}

		anchored, err := regexp.Compile("^(?:" + rule.Regex + ")")
		if err != nil {
			return nil, err
		}

		compiled := patternRule{anchored: anchored, regex: regex, exclude: rule.Excludes()}
		if !compiled.exclude {
			compiled.template = convertTemplate(*rule.Template)
		}

		rules = append(rules, compiled)
	}

	return &PatternMatcher{rules: rules}, nil
}

// Match returns the sort key of tag. matched is false when no rule applies to the tag,
// excluded is true when the applying rule has no template.
func (m *PatternMatcher) Match(tag string) (key string, matched, excluded bool) {
	for _, rule := range m.rules {
		if !rule.anchored.MatchString(tag) {
			continue
		}

		if rule.exclude {
			return "", true, true
		}

		return rule.regex.ReplaceAllString(tag, rule.template), true, false
	}

	return "", false, false
}

// convertTemplate rewrites `\1` and `\g<name>` group references into the `${1}` / `${name}` form.
func convertTemplate(template string) string {
	var out strings.Builder

	for idx := 0; idx < len(template); idx++ {
		char := template[idx]
		if char != '\\' || idx+1 == len(template) {
			out.WriteByte(char)

			continue
		}

		next := template[idx+1]

		switch {
		case next >= '0' && next <= '9':
			end := idx + 1
			for end < len(template) && template[end] >= '0' && template[end] <= '9' {
				end++
			}

			fmt.Fprintf(&out, "${%s}", template[idx+1:end])
			idx = end - 1
		case next == 'g' && idx+2 < len(template) && template[idx+2] == '<':
			closing := strings.IndexByte(template[idx+3:], '>')
			if closing < 0 {
				out.WriteByte(char)

				continue
			}

			fmt.Fprintf(&out, "${%s}", template[idx+3:idx+3+closing])
			idx += 3 + closing
		case next == '\\':
			out.WriteByte('\\')
			idx++
		default:
			out.WriteByte(char)
		}
	}

	return out.String()
}
