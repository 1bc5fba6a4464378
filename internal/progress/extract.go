package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	completionRe = regexp.MustCompile(`(?i)\b(completed|finished|done)\b`)
	domainRe     = regexp.MustCompile(`(?i)\b(simulation|calibration|optimi[sz]ation)\s+progress:?\s*(\d+(?:\.\d+)?)%`)
	phaseRe      = regexp.MustCompile(`(?i)\b(initiali[sz]ation|simulation|calibration|optimi[sz]ation|post-processing)\s*(?:phase)?\s*(?::|-)\s*(\d+(?:\.\d+)?)%`)
	iterationRe  = regexp.MustCompile(`(?i)\biteration\s+(\d+)(?:\s+of\s+(\d+))?(?:.*?(\d+(?:\.\d+)?)%)?`)
	timeStepRe   = regexp.MustCompile(`(?i)\btime\s+step\s+(\d+)(?:\s+of\s+(\d+))?`)
	percentRe    = regexp.MustCompile(`(?i)(?:progress:?\s*)?(\d+(?:\.\d+)?)%`)
	fractionRe   = regexp.MustCompile(`(\d+)/(\d+)`)
	stepRe       = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s+(?:of|/)\s+(\d+)`)
	keywordRe    = regexp.MustCompile(`(?i)\b(loading|initiali[sz]ing|starting|executing|running|processing|analy[sz]ing|building|compiling|generating|writing|reading|parsing|validating|computing|calculating|optimi[sz]ing|finishing|completing|simulating|calibrating|solving|convergence)\b`)
)

// Parse extracts progress from a free-form line. Pattern families are tried
// in a fixed order and the first match wins: completion phrases, domain
// "X progress: N%", phases, iterations, time steps, bare percentages,
// fractions, "step N of M", then activity keywords at 0%.
func Parse(line string) (Info, bool) {
	src := strings.TrimSpace(line)
	if src == "" {
		return Info{}, false
	}

	if completionRe.MatchString(src) {
		return New(100, src, src, CategoryCompletion), true
	}

	if m := domainRe.FindStringSubmatch(src); m != nil {
		return New(parseFloat(m[2]), title(m[1])+" progress", src, CategoryPercentage), true
	}

	if m := phaseRe.FindStringSubmatch(src); m != nil {
		return New(parseFloat(m[2]), title(m[1])+" phase", src, CategoryPhase), true
	}

	if m := iterationRe.FindStringSubmatch(src); m != nil {
		desc := "Iteration " + m[1]
		if m[2] != "" {
			desc += " of " + m[2]
		}
		var pct float64
		switch {
		case m[3] != "":
			pct = parseFloat(m[3])
		case m[2] != "":
			pct = ratio(m[1], m[2])
		}
		return New(pct, desc, src, CategoryIteration), true
	}

	if m := timeStepRe.FindStringSubmatch(src); m != nil {
		desc := "Time step " + m[1]
		var pct float64
		if m[2] != "" {
			desc += " of " + m[2]
			pct = ratio(m[1], m[2])
		}
		return New(pct, desc, src, CategoryTimeStep), true
	}

	if m := percentRe.FindStringSubmatch(src); m != nil {
		return New(parseFloat(m[1]), src, src, CategoryPercentage), true
	}

	if m := fractionRe.FindStringSubmatch(src); m != nil {
		return New(ratio(m[1], m[2]), fmt.Sprintf("%s of %s", m[1], m[2]), src, CategoryFraction), true
	}

	if m := stepRe.FindStringSubmatch(src); m != nil {
		return New(ratio(m[1], m[2]), fmt.Sprintf("Step %s of %s", m[1], m[2]), src, CategoryStep), true
	}

	if m := keywordRe.FindStringSubmatch(src); m != nil {
		return New(0, title(strings.ToLower(m[1]))+"...", src, CategoryUnknown), true
	}

	return Info{}, false
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func ratio(num, den string) float64 {
	d := parseFloat(den)
	if d <= 0 {
		return 0
	}
	return parseFloat(num) / d * 100
}

func title(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
