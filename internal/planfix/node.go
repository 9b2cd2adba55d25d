package planfix

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is one element of a parsed response document.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Child returns the first direct child named name, or nil.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the trimmed text of the first direct child named name.
func (n *Node) ChildText(name string) string {
	c := n.Child(name)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// Find follows a slash-separated path of direct children ("task/number").
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindText is Find followed by the trimmed node text.
func (n *Node) FindText(path string) string {
	c := n.Find(path)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// FindAll returns every descendant named name in document order. Matches are
// not searched for further nested matches.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	n.Walk(func(c *Node) bool {
		if c != n && c.Name == name {
			out = append(out, c)
			return false
		}
		return true
	})
	return out
}

// Walk visits n and its descendants depth-first in document order. Returning
// false from fn skips the children of the visited node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ParseTree decodes an XML document into a Node tree.
func ParseTree(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	// Planfix always answers UTF-8, but the prolog may still name a charset.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "utf-8", "utf8", "":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}

	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				n.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.Attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("empty document")
	}
	return root, nil
}

// Param is one element of a request body. A Param holds either Value or
// Children.
type Param struct {
	Name     string
	Value    string
	Children []Param
}

// P builds a leaf parameter.
func P(name string, value any) Param {
	return Param{Name: name, Value: fmt.Sprint(value)}
}

// Group builds a parameter with nested children.
func Group(name string, children ...Param) Param {
	return Param{Name: name, Children: children}
}

// encodeRequest renders the request envelope for method.
func encodeRequest(method, account string, params []Param) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)

	start := xml.StartElement{
		Name: xml.Name{Local: "request"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "method"}, Value: method}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	all := make([]Param, 0, len(params)+1)
	all = append(all, P("account", account))
	all = append(all, params...)
	for _, p := range all {
		if err := encodeParam(enc, p); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeParam(enc *xml.Encoder, p Param) error {
	start := xml.StartElement{Name: xml.Name{Local: p.Name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if len(p.Children) > 0 {
		for _, c := range p.Children {
			if err := encodeParam(enc, c); err != nil {
				return err
			}
		}
	} else if p.Value != "" {
		if err := enc.EncodeToken(xml.CharData(p.Value)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
