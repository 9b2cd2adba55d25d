// Package extract flattens Planfix analytic responses into analytic entries.
package extract

import (
	"iter"

	"planfixsync/internal/analytic"
	"planfixsync/internal/planfix"
)

const (
	dataNode = "analiticData"
	itemNode = "itemData"
)

// Entries yields one entry per analiticData node under root, in document
// order. Nodes without a key are skipped. The sequence re-walks the tree on
// every range, so it can be consumed more than once.
func Entries(root *planfix.Node) iter.Seq[analytic.Entry] {
	return func(yield func(analytic.Entry) bool) {
		if root == nil {
			return
		}
		for _, n := range root.FindAll(dataNode) {
			e, ok := entryFromNode(n)
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Collect materializes Entries(root).
func Collect(root *planfix.Node) []analytic.Entry {
	var out []analytic.Entry
	for e := range Entries(root) {
		out = append(out, e)
	}
	return out
}

// Skipped counts analiticData nodes that carry no key.
func Skipped(root *planfix.Node) int {
	if root == nil {
		return 0
	}
	n := 0
	for _, d := range root.FindAll(dataNode) {
		if d.ChildText("key") == "" {
			n++
		}
	}
	return n
}

func entryFromNode(n *planfix.Node) (analytic.Entry, bool) {
	key := n.ChildText("key")
	if key == "" {
		return analytic.Entry{}, false
	}

	e := analytic.Entry{
		Key:        key,
		EntityID:   firstText(n, "taskId", "task/id"),
		SubEventID: firstText(n, "actionId", "action/id"),
	}
	for _, item := range n.FindAll(itemNode) {
		e.Fields = append(e.Fields, analytic.Observation{
			FieldID:     item.ChildText("id"),
			Name:        item.ChildText("name"),
			Value:       item.ChildText("value"),
			ReferenceID: item.ChildText("valueId"),
		})
	}
	return e, true
}

func firstText(n *planfix.Node, paths ...string) string {
	for _, p := range paths {
		if v := n.FindText(p); v != "" {
			return v
		}
	}
	return ""
}
