package gitbridge

import (
	"path"
	"sort"
	"strings"

	"github.com/aryanduntley/aipm/internal/types"
)

// directoryThemes maps canonical directory tokens to candidate themes.
var directoryThemes = map[string][]string{
	"auth":     {"authentication"},
	"user":     {"user"},
	"payment":  {"payment"},
	"api":      {"api"},
	"ui":       {"ui"},
	"database": {"database"},
	"admin":    {"admin"},
	"config":   {"config"},
}

// namePatternThemes maps file name substrings to candidate themes, checked
// in order; the first match wins.
var namePatternThemes = []struct {
	pattern string
	themes  []string
}{
	{"auth", []string{"authentication"}},
	{"login", []string{"authentication"}},
	{"payment", []string{"payment"}},
	{"billing", []string{"payment"}},
	{"user", []string{"user"}},
	{"profile", []string{"user"}},
	{"api", []string{"api"}},
	{"config", []string{"config"}},
	{"test", []string{"testing"}},
}

// analyzeImpact categorizes one changed file. Signal precedence is direct
// mapping, then directory inference, then name inference; when signals
// overlap the severity is the maximum across them.
func (b *Bridge) analyzeImpact(file types.ChangedFile, owners []string, defined map[string]bool) types.ChangeImpact {
	imp := types.ChangeImpact{
		File:     file,
		Severity: types.SeverityLow,
	}
	existing := map[string]bool{}
	suggested := map[string]bool{}

	if len(owners) > 0 {
		imp.Signals = append(imp.Signals, "direct")
		imp.Severity = imp.Severity.Max(types.SeverityMedium)
		for _, theme := range owners {
			existing[theme] = true
		}
	}

	for _, segment := range strings.Split(path.Dir(file.Path), "/") {
		token := strings.ToLower(segment)
		if themes, ok := directoryThemes[token]; ok {
			imp.Signals = append(imp.Signals, "directory")
			imp.Severity = imp.Severity.Max(types.SeverityMedium)
			for _, theme := range themes {
				if defined[theme] {
					existing[theme] = true
				} else {
					suggested[theme] = true
				}
			}
			break
		}
	}

	base := strings.ToLower(path.Base(file.Path))
	for _, np := range namePatternThemes {
		if strings.Contains(base, np.pattern) {
			imp.Signals = append(imp.Signals, "name")
			for _, theme := range np.themes {
				if defined[theme] {
					existing[theme] = true
				} else {
					suggested[theme] = true
				}
			}
			break
		}
	}

	// Existing themes win; undefined suggestions surface only when nothing
	// defined matches, as candidates for theme creation.
	imp.CandidateThemes = sortedKeys(existing)
	if len(imp.CandidateThemes) == 0 {
		imp.CandidateThemes = sortedKeys(suggested)
	}

	if file.Kind == types.ChangeDeleted {
		switch {
		case len(owners) > 1:
			imp.Severity = types.SeverityCritical
		case len(owners) == 1:
			imp.Severity = imp.Severity.Max(types.SeverityHigh)
		}
	}

	imp.Strategy = chooseStrategy(file, owners, len(existing))
	imp.Reasoning = reasoning(file, imp)
	return imp
}

// chooseStrategy maps an impact to its reconciliation path: unambiguous
// additions apply automatically, new-theme and multi-candidate cases need
// user approval, and multi-theme deletions are manual.
func chooseStrategy(file types.ChangedFile, owners []string, definedCandidates int) types.ReconcileStrategy {
	if file.Kind == types.ChangeDeleted {
		if len(owners) > 1 {
			return types.ReconcileManual
		}
		return types.ReconcileApproval
	}
	if definedCandidates == 1 {
		return types.ReconcileAuto
	}
	// Zero means creating a theme; more than one is ambiguous.
	return types.ReconcileApproval
}

func reasoning(file types.ChangedFile, imp types.ChangeImpact) string {
	var parts []string
	for _, sig := range imp.Signals {
		switch sig {
		case "direct":
			parts = append(parts, "file is listed by a theme")
		case "directory":
			parts = append(parts, "directory token matches")
		case "name":
			parts = append(parts, "file name matches")
		}
	}
	if file.Kind == types.ChangeDeleted {
		parts = append(parts, "file was deleted")
	}
	if len(parts) == 0 {
		return "no theme signal"
	}
	return strings.Join(parts, "; ")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
