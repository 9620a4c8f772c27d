package models

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// TemplateVars are the values substituted into a DASH media template.
type TemplateVars struct {
	RepresentationID string
	Bandwidth        int64
	Number           int64
	Time             int64
}

var templateIdentRE = regexp.MustCompile(`\$(\w*)(%0?(\d+)d)?\$`)

// ExpandTemplate substitutes $RepresentationID$, $Number$, $Time$ and
// $Bandwidth$ (with optional %0Nd width) and unescapes $$.
func ExpandTemplate(tmpl string, vars TemplateVars) (string, error) {
	var expandErr error
	out := templateIdentRE.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templateIdentRE.FindStringSubmatch(match)
		ident, format, width := sub[1], sub[2], sub[3]

		var value int64
		switch ident {
		case "":
			return "$"
		case "RepresentationID":
			if format != "" {
				expandErr = errors.Errorf("format tag not allowed on %s", match)
			}
			return vars.RepresentationID
		case "Number":
			value = vars.Number
		case "Time":
			value = vars.Time
		case "Bandwidth":
			value = vars.Bandwidth
		default:
			expandErr = errors.Errorf("unknown template identifier %s", match)
			return match
		}

		if width == "" {
			return strconv.FormatInt(value, 10)
		}
		w, _ := strconv.Atoi(width)
		return fmt.Sprintf("%0*d", w, value)
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}
