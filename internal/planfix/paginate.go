package planfix

import (
	"context"
	"fmt"
)

// DefaultPageSize is the page size Planfix list methods accept.
const DefaultPageSize = 50

// maxPages guards against a source that never returns a short page.
const maxPages = 10000

// ListSpec describes a paginated list method.
type ListSpec struct {
	Method    string
	Container string // element holding the items, e.g. "tasks"
	Item      string // item element, e.g. "task"
	PageSize  int
	Params    []Param
}

// FetchAll requests pages 1..n of spec.Method and accumulates the item nodes.
// It stops at the first page holding fewer than PageSize items.
func FetchAll(ctx context.Context, q Querier, spec ListSpec) ([]*Node, error) {
	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var out []*Node
	for page := 1; page <= maxPages; page++ {
		params := make([]Param, 0, len(spec.Params)+2)
		params = append(params, spec.Params...)
		params = append(params, P("pageCurrent", page), P("pageSize", pageSize))

		resp, err := q.Query(ctx, spec.Method, params...)
		if err != nil {
			return out, fmt.Errorf("FetchAll: %s page %d: %w", spec.Method, page, err)
		}

		items := pageItems(resp.Root, spec.Container, spec.Item)
		out = append(out, items...)
		if len(items) < pageSize {
			return out, nil
		}
	}
	return out, fmt.Errorf("FetchAll: %s: more than %d pages", spec.Method, maxPages)
}

// pageItems returns the item children of the first container element. When
// the response has no container, items are searched anywhere in the tree.
func pageItems(root *Node, container, item string) []*Node {
	var box *Node
	root.Walk(func(n *Node) bool {
		if box != nil {
			return false
		}
		if n.Name == container {
			box = n
			return false
		}
		return true
	})
	if box == nil {
		return root.FindAll(item)
	}
	var out []*Node
	for _, c := range box.Children {
		if c.Name == item {
			out = append(out, c)
		}
	}
	return out
}
