package meshapi

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/agentmesh/internal/agent"
	"github.com/nugget/agentmesh/internal/lifecycle"
)

// skipElements are rendered elements whose content never belongs in the
// /docs page's output, even though goldmark itself never emits them
// (defense against a future template change, not against this markdown).
var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
}

const docsMarkdown = `# agentmesh event topic catalog

The runtime emits these topics on the shared bus: agent workers emit
the action outcomes, the lifecycle controller emits the lifecycle
transitions. Subscribe with an
exact topic or a dotted wildcard pattern (` + "`*`" + ` matches one
segment, ` + "`**`" + ` matches zero or more trailing segments).

## Action outcomes

- ` + "`" + agent.TopicActionExecuted + "`" + ` — an action completed and the
  agent's state committed.
- ` + "`" + agent.TopicActionFailed + "`" + ` — an action returned an error;
  state was not modified.

## Lifecycle transitions

- ` + "`" + lifecycle.TopicStarted + "`" + ` — an agent finished Init and its
  worker is running.
- ` + "`" + lifecycle.TopicStopping + "`" + ` — graceful shutdown has begun.
- ` + "`" + lifecycle.TopicStopped + "`" + ` — the worker has fully stopped.
- ` + "`" + lifecycle.TopicStartFailed + "`" + ` — registration failed or Init
  returned an error, and the agent never started.
`

// handleDocs renders the event topic catalog as sanitized HTML. The
// markdown is fixed (not user input), so sanitization here guards
// against goldmark ever emitting an element this page doesn't expect
// to serve, not against injection.
func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(docsMarkdown), &rendered); err != nil {
		errorResponse(w, s.logger, http.StatusInternalServerError, "failed to render docs")
		return
	}

	body, err := sanitize(rendered.String())
	if err != nil {
		errorResponse(w, s.logger, http.StatusInternalServerError, "failed to sanitize docs")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!doctype html><html><head><meta charset=\"utf-8\"><title>agentmesh events</title></head><body>"))
	w.Write([]byte(body))
	w.Write([]byte("</body></html>"))
}

// sanitize walks fragment's DOM, dropping any skipElements subtree and
// re-serializing the rest (grounded on the teacher's recursive
// skip-and-walk pattern for stripping unwanted HTML elements).
func sanitize(fragment string) (string, error) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return "", err
	}

	var strip func(*html.Node)
	strip = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && skipElements[c.DataAtom] {
				n.RemoveChild(c)
			} else {
				strip(c)
			}
			c = next
		}
	}

	var out bytes.Buffer
	for _, n := range nodes {
		if skipElements[n.DataAtom] {
			continue
		}
		strip(n)
		if err := html.Render(&out, n); err != nil {
			return "", err
		}
	}
	return out.String(), nil
}
