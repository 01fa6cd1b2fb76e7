package normalize

import (
	"regexp"
	"strings"

	"atelier-system/internal/domain"
)

// Measurement annotations have accumulated in free-text comments across two
// format families: the in-house form (Height/Bust/High Waist/Hips) and the
// standard form (Size/Bust/Waist/Hips). Each family is tried through
// progressively looser variants; the first match wins. The in-house family
// goes first because its key set is a superset trigger for sloppier
// standard variants.
type measurementPattern struct {
	name  string
	re    *regexp.Regexp
	build func(groups []string) domain.Measurements
}

const val = `([^,;\n]+)`

var measurementPatterns = []measurementPattern{
	{
		name: "in-house strict",
		re: regexp.MustCompile(`(?i)(?:measurements?\s*:\s*)?height=` + val +
			`,\s*bust=` + val + `,\s*high waist=` + val + `,\s*hips=` + val),
		build: func(g []string) domain.Measurements {
			return domain.Measurements{Height: g[1], Bust: g[2], HighWaist: g[3], Hips: g[4]}
		},
	},
	{
		name: "in-house loose",
		re: regexp.MustCompile(`(?i)(?:measurements?\s*[:\-]\s*)?height\s*[=:]\s*` + val +
			`[,;]\s*bust\s*[=:]\s*` + val +
			`[,;]\s*high\s*-?\s*waist\s*[=:]\s*` + val +
			`[,;]\s*hips\s*[=:]\s*` + val),
		build: func(g []string) domain.Measurements {
			return domain.Measurements{Height: g[1], Bust: g[2], HighWaist: g[3], Hips: g[4]}
		},
	},
	{
		name: "standard strict",
		re: regexp.MustCompile(`(?i)(?:measurements?\s*:\s*)?size=` + val +
			`,\s*bust=` + val + `,\s*waist=` + val + `,\s*hips=` + val),
		build: func(g []string) domain.Measurements {
			return domain.Measurements{Size: g[1], Bust: g[2], Waist: g[3], Hips: g[4]}
		},
	},
	{
		name: "standard loose",
		re: regexp.MustCompile(`(?i)(?:measurements?\s*[:\-]\s*)?size\s*[=:]\s*` + val +
			`[,;]\s*bust\s*[=:]\s*` + val +
			`[,;]\s*waist\s*[=:]\s*` + val +
			`[,;]\s*hips\s*[=:]\s*` + val),
		build: func(g []string) domain.Measurements {
			return domain.Measurements{Size: g[1], Bust: g[2], Waist: g[3], Hips: g[4]}
		},
	},
	{
		name: "standard minimal",
		re: regexp.MustCompile(`(?i)size\s*[=:]\s*` + val +
			`[,;]\s*bust\s*[=:]\s*` + val + `[,;]\s*hips\s*[=:]\s*` + val),
		build: func(g []string) domain.Measurements {
			return domain.Measurements{Size: g[1], Bust: g[2], Hips: g[3]}
		},
	},
}

// ExtractMeasurements scans text for an embedded measurement annotation.
// On a match it returns the parsed fields, the text with the matched
// segment removed, and true. No match leaves text untouched and returns
// false; that is not an error, the caller's default stands.
func ExtractMeasurements(text string) (domain.Measurements, string, bool) {
	for _, p := range measurementPatterns {
		loc := p.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		groups := make([]string, 0, p.re.NumSubexp()+1)
		for i := 0; i <= p.re.NumSubexp(); i++ {
			start, end := loc[2*i], loc[2*i+1]
			if start < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, strings.TrimSpace(text[start:end]))
		}
		m := p.build(groups)
		residual := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
		return m, residual, true
	}
	return domain.Measurements{}, text, false
}
