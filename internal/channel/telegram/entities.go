package telegram

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/go-telegram/bot/models"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// renderEntities converts markdown into plain text plus Telegram message
// entities. Entity offsets are UTF-16 code units, per the Bot API.
func renderEntities(md string) (string, []models.MessageEntity) {
	if md == "" {
		return "", nil
	}

	exts := parser.CommonExtensions | parser.Strikethrough | parser.FencedCode | parser.Autolink
	doc := parser.NewWithExtensions(exts).Parse([]byte(md))

	r := &entityRenderer{}
	r.walk(doc)
	r.sortEntities()
	return r.text.String(), r.entities
}

type entityRenderer struct {
	text     strings.Builder
	offset   int // UTF-16 units written so far
	entities []models.MessageEntity
}

func (r *entityRenderer) write(s string) {
	if s == "" {
		return
	}
	r.text.WriteString(s)
	r.offset += len(utf16.Encode([]rune(s)))
}

func (r *entityRenderer) mark(typ models.MessageEntityType, start int, url, lang string) {
	length := r.offset - start
	if length <= 0 {
		return
	}
	e := models.MessageEntity{Type: typ, Offset: start, Length: length}
	if url != "" {
		e.URL = url
	}
	if lang != "" {
		e.Language = lang
	}
	r.entities = append(r.entities, e)
}

func (r *entityRenderer) sortEntities() {
	sort.SliceStable(r.entities, func(i, j int) bool {
		if r.entities[i].Offset != r.entities[j].Offset {
			return r.entities[i].Offset < r.entities[j].Offset
		}
		return r.entities[i].Length > r.entities[j].Length
	})
}

func (r *entityRenderer) walkChildren(node ast.Node) {
	for _, child := range node.GetChildren() {
		r.walk(child)
	}
}

func (r *entityRenderer) walk(node ast.Node) {
	switch n := node.(type) {
	case *ast.Document:
		r.walkChildren(node)
	case *ast.Paragraph:
		r.walkChildren(node)
		if ast.GetNextNode(node) != nil {
			if _, inItem := node.GetParent().(*ast.ListItem); inItem {
				r.write("\n")
			} else {
				r.write("\n\n")
			}
		}
	case *ast.Heading:
		start := r.offset
		r.walkChildren(node)
		r.mark(models.MessageEntityTypeBold, start, "", "")
		if ast.GetNextNode(node) != nil {
			r.write("\n\n")
		}
	case *ast.List:
		r.walkList(n)
		if ast.GetNextNode(node) != nil {
			r.write("\n\n")
		}
	case *ast.ListItem:
		r.walkListItem(n)
	case *ast.Strong:
		start := r.offset
		r.walkChildren(node)
		r.mark(models.MessageEntityTypeBold, start, "", "")
	case *ast.Emph:
		start := r.offset
		r.walkChildren(node)
		r.mark(models.MessageEntityTypeItalic, start, "", "")
	case *ast.Del:
		start := r.offset
		r.walkChildren(node)
		r.mark(models.MessageEntityTypeStrikethrough, start, "", "")
	case *ast.Code:
		start := r.offset
		r.write(string(n.Literal))
		r.mark(models.MessageEntityTypeCode, start, "", "")
	case *ast.CodeBlock:
		start := r.offset
		r.write(strings.TrimRight(string(n.Literal), "\n"))
		lang := ""
		if fields := strings.Fields(string(n.Info)); len(fields) > 0 {
			lang = fields[0]
		}
		r.mark(models.MessageEntityTypePre, start, "", lang)
		if ast.GetNextNode(node) != nil {
			r.write("\n\n")
		}
	case *ast.Link:
		start := r.offset
		r.walkChildren(node)
		if r.offset > start {
			r.mark(models.MessageEntityTypeTextLink, start, string(n.Destination), "")
		} else {
			r.write(string(n.Destination))
		}
	case *ast.Text:
		r.write(string(n.Literal))
	case *ast.Softbreak, *ast.Hardbreak:
		r.write("\n")
	default:
		if len(node.GetChildren()) > 0 {
			r.walkChildren(node)
			return
		}
		if leaf := node.AsLeaf(); leaf != nil {
			r.write(string(leaf.Literal))
		}
	}
}

func (r *entityRenderer) walkList(list *ast.List) {
	ordered := list.ListFlags&ast.ListTypeOrdered != 0
	index := list.Start
	if index <= 0 {
		index = 1
	}

	items := list.GetChildren()
	for i, one := range items {
		item, ok := one.(*ast.ListItem)
		if !ok {
			continue
		}
		if ordered {
			r.write(strconv.Itoa(index) + ". ")
			index++
		} else {
			r.write("- ")
		}
		r.walkListItem(item)
		if i < len(items)-1 {
			r.write("\n")
		}
	}
}

func (r *entityRenderer) walkListItem(item *ast.ListItem) {
	children := item.GetChildren()
	for i, child := range children {
		if p, ok := child.(*ast.Paragraph); ok {
			r.walkChildren(p)
		} else {
			r.walk(child)
		}
		if i < len(children)-1 {
			r.write("\n")
		}
	}
}
