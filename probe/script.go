package probe

import (
	"strings"
	"text/template"
)

var scriptTemplate = template.Must(template.New("script").Funcs(template.FuncMap{
	"onoff": func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	},
	"times": func(n int) []struct{} { return make([]struct{}, n) },
}).Parse(`target extended-remote {{.Device}}
{{if .PowerSense}}monitor tpwr enable
{{end}}monitor swdp_scan
attach {{.Target}}
set print asm-demangle {{onoff .Demangle}}
set print pretty {{onoff .PrettyPrint}}
set backtrace limit {{.BacktraceLimit}}
{{range .Breakpoints}}break {{.}}
{{end}}{{if .Load}}load
{{end}}{{range times .StepCount}}stepi
{{end}}`))

// Script renders plan as a GDB command file that performs the same
// sequence as Attach.
func Script(plan Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	if err := scriptTemplate.Execute(&b, plan); err != nil {
		return "", err
	}
	return b.String(), nil
}
