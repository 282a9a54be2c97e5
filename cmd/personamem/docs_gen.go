package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/personamem/pkg/config"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command and config source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	tmpDir, err := os.MkdirTemp("", "personamem-docs-gen-*")
	if err != nil {
		return fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	generatedRoots, err := writeGeneratedReferences(rootFactory, tmpDir)
	if err != nil {
		return err
	}
	for _, rel := range generatedRoots {
		if err := syncGenerated(tmpDir, outputDir, rel, checkOnly); err != nil {
			return err
		}
	}
	return nil
}

func writeGeneratedReferences(rootFactory func() *cobra.Command, outDir string) ([]string, error) {
	cliRoot := rootFactory()
	markCommandsForDocgen(cliRoot)

	cliDir := filepath.Join(outDir, "reference", "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		title = strings.ReplaceAll(title, "_", " ")
		return fmt.Sprintf("# %s\n\n", strings.TrimSpace(title))
	}
	linkHandler := func(name string) string {
		return name
	}
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, linkHandler); err != nil {
		return nil, fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(outDir, "reference", "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return nil, fmt.Errorf("create man docs dir: %w", err)
	}
	header := &cobraDoc.GenManHeader{
		Title:   "PERSONAMEM",
		Section: "1",
		Source:  appName,
	}
	if err := cobraDoc.GenManTree(cliRoot, header, manDir); err != nil {
		return nil, fmt.Errorf("generate man pages: %w", err)
	}

	if err := writeTextFile(filepath.Join(outDir, "reference", "config.md"), buildConfigReferenceMarkdown()); err != nil {
		return nil, err
	}

	if err := writeTextFile(filepath.Join(outDir, "reference", "memory.md"), buildMemoryReferenceMarkdown()); err != nil {
		return nil, err
	}

	return []string{
		filepath.Join("reference", "cli"),
		filepath.Join("reference", "man"),
		filepath.Join("reference", "config.md"),
		filepath.Join("reference", "memory.md"),
	}, nil
}

func markCommandsForDocgen(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if child.Name() == "docs" {
			continue
		}
		markCommandsForDocgen(child)
	}
}

func writeTextFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// syncGenerated mirrors genRoot/rel into outRoot/rel. In check mode it
// only reports the first file that differs, is missing or is stale.
func syncGenerated(genRoot, outRoot, rel string, checkOnly bool) error {
	src := filepath.Join(genRoot, rel)
	dst := filepath.Join(outRoot, rel)

	want := map[string][]byte{}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sub, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		want[sub] = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("read generated %s: %w", rel, err)
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	if !checkOnly {
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			_ = os.RemoveAll(dst)
		}
		for _, name := range names {
			if err := writeTextFile(filepath.Join(dst, name), string(want[name])); err != nil {
				return fmt.Errorf("write %s: %w", rel, err)
			}
		}
		return nil
	}

	for _, name := range names {
		have, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", filepath.Join(rel, name))
		}
		if !bytes.Equal(have, want[name]) {
			return fmt.Errorf("docs out of date: %s differs; run `personamem docs generate`", filepath.Join(rel, name))
		}
	}
	stale := ""
	_ = filepath.WalkDir(dst, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || stale != "" {
			return nil
		}
		sub, _ := filepath.Rel(dst, path)
		if _, ok := want[sub]; !ok {
			stale = sub
		}
		return nil
	})
	if stale != "" {
		return fmt.Errorf("docs out of date: %s is no longer generated", filepath.Join(rel, stale))
	}
	return nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() string {
	rows := []configFieldRow{}
	collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n")
	b.WriteString("Files ending in `.yaml` or `.yml` are read as YAML, everything else as JSON. Environment variables override file values.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n",
			escapePipes(row.Path), escapePipes(row.Type), escapePipes(valueOr(row.Env, "-")), escapePipes(valueOr(row.Default, "-")))
	}
	return b.String()
}

// collectConfigRows walks the default config value so each row carries the
// key path, tags and rendered default in one pass.
func collectConfigRows(v reflect.Value, prefix string, rows *[]configFieldRow) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := strings.TrimSpace(strings.Split(f.Tag.Get("json"), ",")[0])
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(v.Field(i), key, rows)
			continue
		}
		*rows = append(*rows, configFieldRow{
			Path:    key,
			Type:    friendlyType(f.Type),
			Env:     strings.TrimSpace(f.Tag.Get("env")),
			Default: renderDefault(v.Field(i)),
		})
	}
}

// renderDefault prints maps as sorted k=v pairs, slices comma-joined and
// scalars with %v. Zero strings render empty.
func renderDefault(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Map:
		parts := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			parts = append(parts, fmt.Sprintf("%v=%v", iter.Key().Interface(), iter.Value().Interface()))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	case reflect.Slice:
		parts := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			parts = append(parts, fmt.Sprintf("%v", v.Index(i).Interface()))
		}
		return strings.Join(parts, ",")
	case reflect.String:
		return v.String()
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func friendlyType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + friendlyType(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + friendlyType(t.Key()) + "," + friendlyType(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	case reflect.Pointer:
		return "*" + friendlyType(t.Elem())
	default:
		return t.String()
	}
}

func buildMemoryReferenceMarkdown() string {
	tuning := memory.DefaultTuning()

	var b strings.Builder
	b.WriteString("# Memory Reference\n\n")
	b.WriteString("Generated from `pkg/memory` defaults.\n\n")

	b.WriteString("## Memory Types\n\n")
	for _, t := range []memory.MemoryType{memory.MemoryFact, memory.MemoryConversation, memory.MemoryConversationSummary, memory.MemoryRelationship} {
		b.WriteString("- `" + string(t) + "`\n")
	}

	b.WriteString("\n## Query Types\n\n")
	b.WriteString("| Query Type | Base Threshold |\n")
	b.WriteString("| --- | --- |\n")
	qts := make([]string, 0, len(tuning.Thresholds))
	for qt := range tuning.Thresholds {
		qts = append(qts, string(qt))
	}
	sort.Strings(qts)
	for _, qt := range qts {
		b.WriteString(fmt.Sprintf("| `%s` | %.2f |\n", qt, tuning.Thresholds[memory.QueryType(qt)]))
	}

	b.WriteString("\n## Named Vectors\n\n")
	b.WriteString("| Vector | Default Dimensions | Fusion Weight |\n")
	b.WriteString("| --- | --- | --- |\n")
	dims := config.DefaultConfig().Dimensions()
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("| `%s` | %d | %.2f |\n", name, dims[name], tuning.VectorWeights[name]))
	}

	b.WriteString("\n## Background Jobs\n\n")
	b.WriteString("| Job Type | Statuses |\n")
	b.WriteString("| --- | --- |\n")
	b.WriteString("| `" + memory.JobSummarizeSession + "` | `" + strings.Join([]string{memory.JobPending, memory.JobRunning, memory.JobCompleted, memory.JobFailed}, "`, `") + "` |\n")

	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
