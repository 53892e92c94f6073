package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format.
func printResult(data any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		printRaw(data)
	default: // table
		switch v := data.(type) {
		case map[string]any:
			printTable(v)
		case []any:
			printRows(v)
		case nil:
		default:
			fmt.Println(v)
		}
	}
}

func printRaw(data any) {
	switch v := data.(type) {
	case map[string]any:
		if outputField != "" {
			if f, ok := v[outputField]; ok {
				fmt.Println(f)
			}
			return
		}
		for _, k := range sortedKeys(v) {
			fmt.Printf("%s=%v\n", k, v[k])
		}
	case []any:
		for _, item := range v {
			printRaw(item)
		}
	case nil:
	default:
		fmt.Println(v)
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

// printRows prints a list of objects as columns, using the keys of the
// first object.
func printRows(rows []any) {
	if len(rows) == 0 {
		fmt.Println("No entries found.")
		return
	}
	first, ok := rows[0].(map[string]any)
	if !ok {
		for _, r := range rows {
			fmt.Println(r)
		}
		return
	}
	cols := sortedKeys(first)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))
	for _, r := range rows {
		m, _ := r.(map[string]any)
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprintf("%v", m[c])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
