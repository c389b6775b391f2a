package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"assetcdn/internal/mirror"
)

var pathsFormat string

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Inspect stored paths",
}

var pathsListCmd = &cobra.Command{
	Use:       "list [active|inactive|queue]",
	Short:     "List stored paths, optionally of one state",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"active", "inactive", "queue"},
	RunE:      runPathsList,
}

func init() {
	pathsListCmd.Flags().StringVarP(&pathsFormat, "format", "o", "table", "output format: table or json")
	pathsCmd.AddCommand(pathsListCmd)
}

type pathRow struct {
	State      string    `json:"state"`
	OriginPath string    `json:"originPath"`
	RemotePath string    `json:"remotePath,omitempty"`
	Integrity  string    `json:"integrity,omitempty"`
	Src        string    `json:"src,omitempty"`
	Handle     string    `json:"handle,omitempty"`
	Type       string    `json:"type,omitempty"`
	TTL        time.Time `json:"ttl"`
}

func runPathsList(cmd *cobra.Command, args []string) error {
	if pathsFormat != "table" && pathsFormat != "json" {
		return fmt.Errorf("unknown format %q", pathsFormat)
	}
	state := ""
	if len(args) == 1 {
		state = args[0]
	}

	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	snap, err := engine.Store.Read(cmd.Context())
	if err != nil {
		return err
	}
	rows := collectRows(snap, state)
	if len(rows) == 0 {
		return errors.New("there are no stored paths")
	}

	if pathsFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	renderRows(cmd.OutOrStdout(), rows, time.Now())
	return nil
}

func collectRows(snap *mirror.Snapshot, state string) []pathRow {
	var rows []pathRow
	if state == "" || state == "active" {
		for k, v := range snap.Active {
			rows = append(rows, pathRow{State: "active", OriginPath: k, RemotePath: v.RemotePath, Integrity: v.Integrity, TTL: v.TTL})
		}
	}
	if state == "" || state == "inactive" {
		for k, v := range snap.Inactive {
			rows = append(rows, pathRow{State: "inactive", OriginPath: k, TTL: v.TTL})
		}
	}
	if state == "" || state == "queue" {
		for k, v := range snap.Queue {
			rows = append(rows, pathRow{State: "queue", OriginPath: k, Src: v.Src, Handle: v.Handle, Type: string(v.Type), TTL: v.TTL})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].State != rows[j].State {
			return rows[i].State < rows[j].State
		}
		return rows[i].OriginPath < rows[j].OriginPath
	})
	return rows
}

func renderRows(w io.Writer, rows []pathRow, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"State", "Origin Path", "Remote Path / Source", "Expires"})
	for _, r := range rows {
		target := r.RemotePath
		if r.State == "queue" {
			target = r.Src
		}
		t.AppendRow(table.Row{r.State, r.OriginPath, target, humanize.RelTime(r.TTL, now, "ago", "from now")})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
	})
	style := table.StyleLight
	style.Options.DrawBorder = false
	style.Format.Header = text.FormatDefault
	t.SetStyle(style)
	t.Render()
}
