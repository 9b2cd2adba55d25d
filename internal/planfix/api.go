package planfix

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Method names consumed by the sync.
const (
	MethodTaskList              = "task.getList"
	MethodTaskGet               = "task.get"
	MethodActionList            = "action.getList"
	MethodActionGet             = "action.get"
	MethodAnalyticList          = "analitic.getList"
	MethodAnalyticData          = "analitic.getData"
	MethodAnalyticDataCondition = "analitic.getDataByCondition"
)

// taskListFields are requested from task.getList.
var taskListFields = []string{
	"id", "title", "description", "status", "statusName", "template", "client", "beginDateTime",
}

// Task is the subset of a Planfix task the sync uses.
type Task struct {
	ID          int64
	Title       string
	Number      string
	StatusName  string
	AnalyticIDs []string
}

// HasAnalytic reports whether key is among the analytics attached to t.
// A task whose detail lists no analytics at all reports false.
func (t Task) HasAnalytic(key string) bool {
	for _, id := range t.AnalyticIDs {
		if id == key {
			return true
		}
	}
	return false
}

// Action is a task sub-event.
type Action struct {
	ID     int64
	TaskID int64
}

// Analytic is an analytic definition from analitic.getList.
type Analytic struct {
	ID    string
	Name  string
	Group string
}

// API exposes the Planfix methods used by the sync on top of any Querier.
type API struct {
	q        Querier
	pageSize int
}

// NewAPI returns an API issuing calls through q.
func NewAPI(q Querier, pageSize int) *API {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &API{q: q, pageSize: pageSize}
}

// Querier returns the underlying querier.
func (a *API) Querier() Querier { return a.q }

// ListTasks returns every task visible to the account (all pages).
func (a *API) ListTasks(ctx context.Context) ([]Task, error) {
	fields := make([]Param, 0, len(taskListFields))
	for _, f := range taskListFields {
		fields = append(fields, P("field", f))
	}
	nodes, err := FetchAll(ctx, a.q, ListSpec{
		Method:    MethodTaskList,
		Container: "tasks",
		Item:      "task",
		PageSize:  a.pageSize,
		Params:    []Param{Group("fields", fields...)},
	})
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(nodes))
	for _, n := range nodes {
		t, ok := taskFromNode(n)
		if !ok {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTask returns the detail of one task including its attached analytics.
func (a *API) GetTask(ctx context.Context, id int64) (Task, error) {
	resp, err := a.q.Query(ctx, MethodTaskGet, Group("task", P("id", id)))
	if err != nil {
		return Task{}, err
	}
	n := resp.Root.Child("task")
	if n == nil {
		n = firstNamed(resp.Root, "task")
	}
	if n == nil {
		return Task{}, &ParseError{Method: MethodTaskGet, Excerpt: fmt.Sprintf("task %d", id), Err: fmt.Errorf("no <task> element")}
	}
	t, _ := taskFromNode(n)
	if t.ID == 0 {
		t.ID = id
	}
	for _, an := range n.FindAll("analitic") {
		if aid := an.ChildText("id"); aid != "" {
			t.AnalyticIDs = append(t.AnalyticIDs, aid)
		}
	}
	return t, nil
}

// ListActions returns every action (sub-event) of a task.
func (a *API) ListActions(ctx context.Context, taskID int64) ([]Action, error) {
	nodes, err := FetchAll(ctx, a.q, ListSpec{
		Method:    MethodActionList,
		Container: "actions",
		Item:      "action",
		PageSize:  a.pageSize,
		Params:    []Param{Group("task", P("id", taskID))},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(nodes))
	for _, n := range nodes {
		id, err := strconv.ParseInt(n.ChildText("id"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Action{ID: id, TaskID: taskID})
	}
	return out, nil
}

// GetAction returns the raw detail of one action, including any analytic
// data attached to it.
func (a *API) GetAction(ctx context.Context, id int64) (*Response, error) {
	return a.q.Query(ctx, MethodActionGet, Group("action", P("id", id)))
}

// GetAnalyticData fetches analytic data for key. A taskID of zero issues
// the structure-discovery form of the query (no task scope).
func (a *API) GetAnalyticData(ctx context.Context, key string, taskID int64) (*Response, error) {
	params := []Param{Group("analiticKeys", P("key", key))}
	if taskID > 0 {
		params = append(params, P("taskId", taskID))
	}
	return a.q.Query(ctx, MethodAnalyticData, params...)
}

// GetAnalyticDataByCondition fetches every entry of analytic key matching
// filters, page by page until a short page. The entries are returned under
// one analiticDatas node.
func (a *API) GetAnalyticDataByCondition(ctx context.Context, key string, filters ...Param) (*Node, error) {
	params := []Param{Group("analitic", P("id", key))}
	if len(filters) > 0 {
		params = append(params, Group("filters", filters...))
	}
	nodes, err := FetchAll(ctx, a.q, ListSpec{
		Method:    MethodAnalyticDataCondition,
		Container: "analiticDatas",
		Item:      "analiticData",
		PageSize:  a.pageSize,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	return &Node{Name: "analiticDatas", Children: nodes}, nil
}

// ListAnalytics returns the analytic definitions of the account.
func (a *API) ListAnalytics(ctx context.Context) ([]Analytic, error) {
	nodes, err := FetchAll(ctx, a.q, ListSpec{
		Method:    MethodAnalyticList,
		Container: "analitics",
		Item:      "analitic",
		PageSize:  a.pageSize,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Analytic, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Analytic{
			ID:    n.ChildText("id"),
			Name:  n.ChildText("name"),
			Group: n.FindText("group/name"),
		})
	}
	return out, nil
}

// CheckResult is the outcome of one connection-check call.
type CheckResult struct {
	Method string
	Items  int
	Err    error
}

// Check runs the connection check: analytic list, one task page and the
// structure-discovery query for key. Every call runs even if an earlier one
// fails.
func (a *API) Check(ctx context.Context, key string) []CheckResult {
	var out []CheckResult

	analytics, err := a.ListAnalytics(ctx)
	out = append(out, CheckResult{Method: MethodAnalyticList, Items: len(analytics), Err: err})

	resp, err := a.q.Query(ctx, MethodTaskList, P("pageCurrent", 1), P("pageSize", 1))
	n := 0
	if err == nil {
		n = len(pageItems(resp.Root, "tasks", "task"))
	}
	out = append(out, CheckResult{Method: MethodTaskList, Items: n, Err: err})

	resp, err = a.GetAnalyticData(ctx, key, 0)
	n = 0
	if err == nil {
		n = len(resp.Root.FindAll("analiticData"))
	}
	out = append(out, CheckResult{Method: MethodAnalyticData, Items: n, Err: err})

	return out
}

func taskFromNode(n *Node) (Task, bool) {
	id, err := strconv.ParseInt(n.ChildText("id"), 10, 64)
	if err != nil {
		return Task{}, false
	}
	title := n.ChildText("title")
	if title == "" {
		title = n.ChildText("name")
	}
	return Task{
		ID:         id,
		Title:      title,
		Number:     strings.TrimSpace(n.ChildText("number")),
		StatusName: n.ChildText("statusName"),
	}, true
}

func firstNamed(root *Node, name string) *Node {
	all := root.FindAll(name)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}
