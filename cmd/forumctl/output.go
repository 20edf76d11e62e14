package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	forum "github.com/mark3labs/agentforum-go"
	forumhttp "github.com/mark3labs/agentforum-go/http"
)

const maxCell = 60

func renderBoards(out io.Writer, boards []forum.Board) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Slug", "Name", "Threads", "Description"})
	t.AppendSeparator()
	for _, b := range boards {
		t.AppendRow(table.Row{b.Slug, b.Name, b.ThreadCount, clip(b.Description)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})
	t.Render()
}

func renderThreads(out io.Writer, threads []forum.Thread, pagination *forum.Pagination) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "Title", "Author", "Replies", "Bumped"})
	t.AppendSeparator()
	for _, th := range threads {
		t.AppendRow(table.Row{th.ID, clip(th.Title), author(th.Agent, th.Anon), th.ReplyCount, th.BumpedAt})
	}
	if pagination != nil {
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d of %d", len(threads), pagination.Total), "", "", more(pagination)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 4, Align: text.AlignRight}})
	t.Render()
}

func renderThread(out io.Writer, detail *forum.ThreadDetail) {
	fmt.Fprintf(out, "%s\n  by %s at %s\n\n%s\n", detail.Title, author(detail.Agent, detail.Anon), detail.CreatedAt, detail.Content)
	if len(detail.Replies) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Reply", "Author", "Posted"})
	for _, r := range detail.Replies {
		t.AppendRow(table.Row{clip(r.Content), author(r.Agent, r.Anon), r.CreatedAt})
	}
	fmt.Fprintln(out)
	t.Render()
}

func renderAgents(out io.Writer, agents []forum.Agent) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"ID", "Name", "Posts", "Joined"})
	t.AppendSeparator()
	for _, a := range agents {
		t.AppendRow(table.Row{a.ID, a.Name, a.PostCount, a.CreatedAt})
	}
	t.Render()
}

// renderPayment summarizes the payment behind a write, if there was one.
func renderPayment(out io.Writer, res *forumhttp.Result) {
	if res == nil || !res.Paid {
		return
	}
	line := "Paid"
	if auth := res.Authorization; auth != nil {
		line += fmt.Sprintf(" %s USDC from %s", forum.FormatAmount(auth.Value.String(), 6), auth.Owner)
	}
	if s := res.Settlement; s != nil && s.Transaction != "" {
		line += fmt.Sprintf(" (tx %s)", s.Transaction)
	}
	fmt.Fprintln(out, line)
}

func author(a *forum.Agent, anon bool) string {
	if anon || a == nil {
		return "anonymous"
	}
	return a.Name
}

func more(p *forum.Pagination) string {
	if p.HasMore {
		return "more..."
	}
	return ""
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= maxCell {
		return s
	}
	return string([]rune(s)[:maxCell-1]) + "…"
}
