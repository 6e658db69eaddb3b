package telegram

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// MarkdownToHTML converts standard Markdown to Telegram-compatible HTML.
//
// Telegram supports <b>, <i>, <s>, <code>, <pre>, <a href="">, and
// <blockquote>. Headers render as bold text; unsupported elements pass
// through as escaped text.
func MarkdownToHTML(md string) string {
	gm := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&htmlRenderer{}, 1)),
		)),
	)

	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return htmlEscape(md)
	}
	return strings.TrimSpace(buf.String())
}

// htmlEscape escapes &, <, > for Telegram HTML.
func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// htmlRenderer renders the goldmark AST as Telegram HTML.
type htmlRenderer struct {
	ordinal int
}

func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, passthrough)
	reg.Register(ast.KindHeading, wrap("\n<b>", "</b>\n"))
	reg.Register(ast.KindParagraph, closeWith("\n"))
	reg.Register(ast.KindBlockquote, wrap("<blockquote>", "</blockquote>"))
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, wrap("<code>", "</code>"))
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(extast.KindStrikethrough, wrap("<s>", "</s>"))
}

func passthrough(util.BufWriter, []byte, ast.Node, bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func wrap(open, close string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			_, _ = w.WriteString(open)
		} else {
			_, _ = w.WriteString(close)
		}
		return ast.WalkContinue, nil
	}
}

func closeWith(suffix string) renderer.NodeRendererFunc {
	return func(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			_, _ = w.WriteString(suffix)
		}
		return ast.WalkContinue, nil
	}
}

func (r *htmlRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.FencedCodeBlock)
		if lang := n.Language(source); len(lang) > 0 {
			_, _ = fmt.Fprintf(w, "<pre><code class=\"language-%s\">", htmlEscape(string(lang)))
		} else {
			_, _ = w.WriteString("<pre><code>")
		}
		writeCodeLines(w, source, node)
		_, _ = w.WriteString("</code></pre>")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("<pre><code>")
		writeCodeLines(w, source, node)
		_, _ = w.WriteString("</code></pre>")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func writeCodeLines(w util.BufWriter, source []byte, node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		_, _ = w.WriteString(htmlEscape(string(line.Value(source))))
	}
}

func (r *htmlRenderer) renderList(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.List)
		if n.IsOrdered() {
			r.ordinal = int(n.Start)
		} else {
			r.ordinal = 0
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.Parent().(*ast.List).IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", r.ordinal)
			r.ordinal++
		} else {
			_, _ = w.WriteString("• ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderTextBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// list items handle their own newlines
	if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderThematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n---\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.WriteString(htmlEscape(string(n.Segment.Value(source))))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(htmlEscape(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEmphasis(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if node.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		_, _ = w.WriteString("<" + tag + ">")
	} else {
		_, _ = w.WriteString("</" + tag + ">")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderLink(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", htmlEscape(string(node.(*ast.Link).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		url := htmlEscape(string(node.(*ast.AutoLink).URL(source)))
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">%s</a>", url, url)
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderImage(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	// Telegram HTML has no inline images; render as a link
	if entering {
		_, _ = fmt.Fprintf(w, "<a href=\"%s\">", htmlEscape(string(node.(*ast.Image).Destination)))
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}
