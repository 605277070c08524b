package notify

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/mbd888/sentinel/internal/rules"
)

var alertTemplate = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #333;">
<p>{{range $i, $line := .Intro}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
<br>
<table border="1" style="border-collapse: collapse; width: 100%; border-color: #ddd; font-family: Arial, sans-serif;">
<tr style="background-color: #f2f2f2; text-align: left;">
<th style="padding: 10px;">Date</th>
<th style="padding: 10px;">Amount</th>
<th style="padding: 10px;">Location</th>
<th style="padding: 10px;">Issue Detected</th>
</tr>
{{- range .Rows}}
<tr>
<td style="padding: 8px;">{{.Date}}</td>
<td style="padding: 8px;">{{.Amount}} {{.Currency}}</td>
<td style="padding: 8px;">{{.Location}}</td>
<td style="padding: 8px;">{{.Issue}}</td>
</tr>
{{- end}}
</table>
<br>
<p>Please reply immediately to confirm if these are valid.</p>
<p>Best Regards,<br><b>{{.RMName}}</b><br>{{.BankName}}</p>
</body>
</html>
`))

type alertRow struct {
	Date     string
	Amount   string
	Currency string
	Location string
	Issue    string
}

type alertView struct {
	Intro    []string
	Rows     []alertRow
	RMName   string
	BankName string
}

// compose renders the alert body. All values are HTML-escaped.
func (n *Notifier) compose(g *group, intro string) (string, error) {
	view := alertView{
		Intro:    strings.Split(strings.TrimSpace(intro), "\n"),
		RMName:   rmName(g.customer),
		BankName: n.cfg.BankName,
	}
	for _, t := range g.txs {
		loc := t.Place
		if t.Country != "" {
			loc += ", " + t.Country
		}
		view.Rows = append(view.Rows, alertRow{
			Date:     t.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			Amount:   t.Amount.StringFixed(2),
			Currency: t.Currency,
			Location: loc,
			Issue:    rules.StripTag(t.Reason),
		})
	}

	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}
