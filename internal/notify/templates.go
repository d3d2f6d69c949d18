// Package notify renders and delivers passenger notifications. Messages
// come from a YAML template catalog, delivery goes through a Sink (webhook
// in production, structured log otherwise), and the relational store's
// ten-minute dedup window decides whether a message is created at all.
package notify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v2"

	"github.com/skytrace/backend/internal/faults"
)

// Template ids the workflow emits.
const (
	TemplateBagDelayed        = "bag_delayed"
	TemplateBagMishandled     = "bag_mishandled"
	TemplatePIRFiled          = "pir_filed"
	TemplateCourierDispatched = "courier_dispatched"
	TemplateBagArrived        = "bag_arrived"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Message is one rendered notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type catalogFile struct {
	Templates []struct {
		ID      string `yaml:"id"`
		Subject string `yaml:"subject"`
		Body    string `yaml:"body"`
	} `yaml:"templates"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Catalog holds the compiled message templates.
type Catalog struct {
	templates map[string]compiled
}

// LoadCatalog reads the catalog from path, or the embedded defaults when
// path is empty. A catalog that fails to parse is a fatal configuration
// error.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultTemplates
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, faults.Wrapf(faults.Fatal, "read template catalog: %w", err)
		}
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, faults.Wrapf(faults.Fatal, "parse template catalog: %w", err)
	}

	c := &Catalog{templates: make(map[string]compiled, len(file.Templates))}
	for _, t := range file.Templates {
		subject, err := template.New(t.ID + ".subject").Parse(t.Subject)
		if err != nil {
			return nil, faults.Wrapf(faults.Fatal, "template %s subject: %w", t.ID, err)
		}
		body, err := template.New(t.ID + ".body").Parse(t.Body)
		if err != nil {
			return nil, faults.Wrapf(faults.Fatal, "template %s body: %w", t.ID, err)
		}
		c.templates[t.ID] = compiled{subject: subject, body: body}
	}
	return c, nil
}

// Has reports whether the catalog knows the template.
func (c *Catalog) Has(templateID string) bool {
	_, ok := c.templates[templateID]
	return ok
}

// Render produces the message for one template and data set. Unknown
// templates are permanent failures.
func (c *Catalog) Render(templateID string, data interface{}) (Message, error) {
	t, ok := c.templates[templateID]
	if !ok {
		return Message{}, faults.Wrap(faults.Permanent,
			fmt.Errorf("unknown notification template %q", templateID))
	}
	var subject, body strings.Builder
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, faults.Wrapf(faults.Permanent, "render %s subject: %w", templateID, err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, faults.Wrapf(faults.Permanent, "render %s body: %w", templateID, err)
	}
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()),
	}, nil
}
