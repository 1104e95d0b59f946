package alert

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

// Message is a rendered alert.
type Message struct {
	Subject string
	HTML    string // email body
	Text    string // plain-text alternative
	Chat    string // Telegram HTML subset
}

var (
	htmlTmpl = template.Must(template.New("email").Funcs(funcs).Parse(`<html>
  <body>
    <h2>Great news! Price drop detected</h2>
    <p>The price for <strong>{{.ItemName}}</strong> has dropped!</p>
    <ul>
      <li>Previous Price: <s>{{money .OldPrice}}</s></li>
      <li>New Price: <strong>{{money .NewPrice}}</strong></li>
      <li>You Save: {{money .Savings}}</li>
    </ul>
    <p><a href="{{.ItemURL}}" style="background-color: #4CAF50; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">View Product</a></p>
  </body>
</html>
`))

	textTmpl = texttemplate.Must(texttemplate.New("text").Funcs(texttemplate.FuncMap(funcs)).Parse(
		`The price for {{.ItemName}} has dropped!

Previous Price: {{money .OldPrice}}
New Price: {{money .NewPrice}}
You Save: {{money .Savings}}

View Product: {{.ItemURL}}
`))

	chatTmpl = template.Must(template.New("chat").Funcs(funcs).Parse(
		`<b>Price drop: {{.ItemName}}</b>
Previous: <s>{{money .OldPrice}}</s>
Now: <b>{{money .NewPrice}}</b>
You save {{money .Savings}}
<a href="{{.ItemURL}}">View Product</a>`))
)

var funcs = template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
}

// Render builds the fixed alert message.
func Render(a Alert) (Message, error) {
	m := Message{Subject: "Price Drop Alert: " + a.ItemName}
	var b bytes.Buffer
	if err := htmlTmpl.Execute(&b, a); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	m.HTML = b.String()

	b.Reset()
	if err := textTmpl.Execute(&b, a); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	m.Text = b.String()

	b.Reset()
	if err := chatTmpl.Execute(&b, a); err != nil {
		return Message{}, fmt.Errorf("render chat: %w", err)
	}
	m.Chat = b.String()
	return m, nil
}
