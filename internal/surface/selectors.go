package surface

import (
	"fmt"
	"strings"
)

// Selectors is the host-specific table locating compose fields and
// affordances
type Selectors struct {
	Recipient        string `yaml:"recipient" json:"recipient"`
	Subject          string `yaml:"subject" json:"subject"`
	Body             string `yaml:"body" json:"body"`
	FileInput        string `yaml:"file_input" json:"file_input"`
	Compose          string `yaml:"compose" json:"compose"`
	Fullscreen       string `yaml:"fullscreen" json:"fullscreen"`
	Expanded         string `yaml:"expanded" json:"expanded"`
	Send             string `yaml:"send" json:"send"`
	Discard          string `yaml:"discard" json:"discard"`
	AttachmentRemove string `yaml:"attachment_remove" json:"attachment_remove"`
	Progress         string `yaml:"progress" json:"progress"`
	Error            string `yaml:"error" json:"error"`
}

// GmailSelectors returns the selector table for the Gmail web client
func GmailSelectors() Selectors {
	return Selectors{
		Recipient:        "input.agP.aFw",
		Subject:          "input.aoT",
		Body:             "div.Am.aiL.LW-avf.tS-tW",
		FileInput:        `input[name="Filedata"]`,
		Compose:          "div.T-I.T-I-KE.L3",
		Fullscreen:       "img.Hq.aUG",
		Expanded:         `div[role="dialog"] form`,
		Send:             "div.T-I.J-J5-Ji.aoO.v7.T-I-atl.L3",
		Discard:          "div.oh.J-Z-I.J-J5-Ji.T-I-ax7.T-I",
		AttachmentRemove: "div.dL div.vq",
		Progress:         `div[role="progressbar"]`,
		Error:            `div[role="alertdialog"]`,
	}
}

// WithDefaults fills empty entries from def
func (s Selectors) WithDefaults(def Selectors) Selectors {
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&s.Recipient, def.Recipient)
	fill(&s.Subject, def.Subject)
	fill(&s.Body, def.Body)
	fill(&s.FileInput, def.FileInput)
	fill(&s.Compose, def.Compose)
	fill(&s.Fullscreen, def.Fullscreen)
	fill(&s.Expanded, def.Expanded)
	fill(&s.Send, def.Send)
	fill(&s.Discard, def.Discard)
	fill(&s.AttachmentRemove, def.AttachmentRemove)
	fill(&s.Progress, def.Progress)
	fill(&s.Error, def.Error)
	return s
}

// Validate checks that the selectors the engine cannot work without
// are present. Fullscreen, Expanded, AttachmentRemove and Error are
// optional.
func (s Selectors) Validate() error {
	required := map[string]string{
		"recipient":  s.Recipient,
		"subject":    s.Subject,
		"body":       s.Body,
		"file_input": s.FileInput,
		"compose":    s.Compose,
		"send":       s.Send,
		"discard":    s.Discard,
		"progress":   s.Progress,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("selector %q is required", name)
		}
	}
	return nil
}
