// internal/service/template_service.go
package service

import (
	"encoding/json"
	"strings"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// RenderTemplate replaces every {key} in template with data[key].
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

func contactPlaceholders(c model.Contact) map[string]string {
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"email":      c.Email,
	}
}

// RenderMessage personalises a message for one contact. Placeholders inside
// flex contents are substituted with JSON-escaped values so the document stays valid.
func RenderMessage(m model.MessageContent, c model.Contact) model.MessageContent {
	data := contactPlaceholders(c)
	out := m
	out.Text = RenderTemplate(m.Text, data)
	out.Subject = RenderTemplate(m.Subject, data)
	out.AltText = RenderTemplate(m.AltText, data)
	if len(m.Contents) > 0 {
		escaped := make(map[string]string, len(data))
		for k, v := range data {
			b, _ := json.Marshal(v)
			escaped[k] = string(b[1 : len(b)-1])
		}
		out.Contents = json.RawMessage(RenderTemplate(string(m.Contents), escaped))
	}
	return out
}
