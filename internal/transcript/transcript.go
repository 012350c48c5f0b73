// Package transcript renders a conversation into a standalone HTML page. Message contents are treated as
// markdown; fenced code blocks get syntax highlighting.
package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	chatrelay "github.com/MegaGrindStone/chat-relay"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Renderer converts conversations to HTML.
type Renderer struct {
	md   goldmark.Markdown
	tmpl *template.Template
}

type page struct {
	Title      string
	ExportedAt time.Time
	Messages   []renderedMessage
}

type renderedMessage struct {
	Role string
	HTML template.HTML
}

// NewRenderer parses the embedded transcript template.
func NewRenderer() (Renderer, error) {
	tmpl, err := template.ParseFS(chatrelay.TemplateFS, "templates/transcript.html")
	if err != nil {
		return Renderer{}, fmt.Errorf("failed to parse transcript template: %w", err)
	}

	// Raw HTML in message content is left escaped: goldmark's default renderer omits it unless
	// html.WithUnsafe is set.
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
	)

	return Renderer{md: md, tmpl: tmpl}, nil
}

// Markdown converts a single message content to HTML.
func (r Renderer) Markdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Render writes the conversation as an HTML page titled title.
func (r Renderer) Render(w io.Writer, title string, conversation models.Conversation) error {
	p := page{
		Title:      title,
		ExportedAt: time.Now(),
		Messages:   make([]renderedMessage, 0, len(conversation)),
	}
	for _, msg := range conversation {
		html, err := r.Markdown(msg.Content)
		if err != nil {
			return err
		}
		p.Messages = append(p.Messages, renderedMessage{
			Role: string(msg.Role),
			HTML: html,
		})
	}
	if err := r.tmpl.ExecuteTemplate(w, "transcript.html", p); err != nil {
		return fmt.Errorf("failed to execute transcript template: %w", err)
	}
	return nil
}
