package props

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// identKinds are tree-sitter node kinds whose text is a name. They serialize
// as their kind alone, which is what makes the serialization name-invariant:
// two programs differing only in identifiers produce identical serials.
var identKinds = map[string]bool{
	"identifier":         true,
	"field_identifier":   true,
	"type_identifier":    true,
	"package_identifier": true,
	"blank_identifier":   true,
	"label_name":         true,
}

// literalKinds serialize with their text so programs that differ in constant
// values do not collapse to distance zero.
var literalKinds = map[string]bool{
	"int_literal":                true,
	"float_literal":              true,
	"imaginary_literal":          true,
	"rune_literal":               true,
	"interpreted_string_literal": true,
	"raw_string_literal":         true,
}

// Serialize renders source as a parenthesized tree of tree-sitter node kinds
// with identifiers collapsed to placeholders and comments dropped. An empty
// string means the source could not be serialized.
func Serialize(source string) string {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(source))
	if err != nil || tree == nil {
		return ""
	}
	defer tree.Close()

	var sb strings.Builder
	writeNode(&sb, tree.RootNode(), []byte(source))
	return sb.String()
}

func writeNode(sb *strings.Builder, n *sitter.Node, src []byte) {
	kind := n.Type()
	if kind == "comment" {
		return
	}
	if identKinds[kind] {
		sb.WriteString("(id)")
		return
	}
	if literalKinds[kind] {
		sb.WriteByte('(')
		sb.WriteString(n.Content(src))
		sb.WriteByte(')')
		return
	}

	sb.WriteByte('(')
	sb.WriteString(kind)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		writeNode(sb, n.NamedChild(i), src)
	}
	sb.WriteByte(')')
}
