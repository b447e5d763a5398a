package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/mmeshcher/exchanger/internal/model"
)

type message struct {
	subject *template.Template
	body    *template.Template
}

var messages = map[model.EventKind]message{
	model.EventOrderCreated: {
		subject: template.Must(template.New("").Parse(`Order {{.OrderCode}} received`)),
		body: template.Must(template.New("").Parse(
			`Your order {{.OrderCode}} to exchange {{.FromAmount}} {{.FromCurrency}} for {{.ToAmount}} {{.ToCurrency}} has been received. ` +
				`The rate is locked for 30 minutes.`)),
	},
	model.EventOrderApproved: {
		subject: template.Must(template.New("").Parse(`Order {{.OrderCode}} approved`)),
		body: template.Must(template.New("").Parse(
			`Your order {{.OrderCode}} ({{.FromAmount}} {{.FromCurrency}} -> {{.ToAmount}} {{.ToCurrency}}) has been approved.`)),
	},
	model.EventOrderRejected: {
		subject: template.Must(template.New("").Parse(`Order {{.OrderCode}} rejected`)),
		body: template.Must(template.New("").Parse(
			`Your order {{.OrderCode}} has been rejected.{{if .Reason}} Reason: {{.Reason}}{{end}}`)),
	},
	model.EventOrderCompleted: {
		subject: template.Must(template.New("").Parse(`Order {{.OrderCode}} completed`)),
		body: template.Must(template.New("").Parse(
			`Your order {{.OrderCode}} is completed: {{.ToAmount}} {{.ToCurrency}} sent{{if .ClientWallet}} to {{.ClientWallet}}{{end}}.`)),
	},
}

// render возвращает тему и текст уведомления для события.
func render(p model.NotificationPayload) (subject, body string, err error) {
	m, ok := messages[p.Event]
	if !ok {
		return "", "", fmt.Errorf("no template for event %s", p.Event)
	}

	var buf bytes.Buffer
	if err := m.subject.Execute(&buf, p); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	subject = buf.String()

	buf.Reset()
	if err := m.body.Execute(&buf, p); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject, buf.String(), nil
}
