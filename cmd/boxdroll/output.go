package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/loader"
	"github.com/John-Robertt/boxdroll/internal/scrape"
)

// writeJSON 输出一个 JSON 值；pretty 时缩进（给人看），否则单行（给管道）。
func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return failure(err)
	}
	return nil
}

func renderFilms(w io.Writer, films []domain.Film) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Title", "Year", "Rating", "Letterboxd"})
	for i, f := range films {
		t.AppendRow(table.Row{i + 1, f.Title, orDash(f.Year), orDash(f.UserRating), f.DetailURL})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d films", len(films))})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func orDash(v int) string {
	if v <= 0 {
		return "-"
	}
	return strconv.Itoa(v)
}

// reportError 输出一次失败：stderr 给人看（终态错误附带上游链接），非 TTY 的 stdout 给出 JSON 错误体。
func (c *cli) reportError(origin, username string, err error) error {
	kind := domain.KindOf(err)
	fmt.Fprintf(c.stderr, "错误：%s：%s\n", kind, domain.MessageOf(err))
	if kind != domain.KindInvalidRequest && loader.IsTerminal(kind) {
		fmt.Fprintf(c.stderr, "在 Letterboxd 上查看：%s\n", scrape.ProfileURL(origin, username))
	}
	if !c.stdoutTTY {
		_ = writeJSON(c.stdout, domain.BodyOf(err), false)
	}

	code := 1
	if kind == domain.KindInvalidRequest {
		code = 2
	}
	return &exitError{code: code, err: err, reported: true}
}
