package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/lawbridge"
	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/eval"
	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/mapper"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true}

func (a *app) ingestCmd() *cobra.Command {
	var id, title, code, family string
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest statute files (.pdf, .txt, .md, or scanned images)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" && len(args) > 1 {
				return errors.New("--id applies to a single file")
			}
			fam, err := store.ParseLawFamily(family)
			if err != nil {
				return err
			}
			ctx := ctxOf(cmd)
			out := cmd.OutOrStdout()
			var results []*lawbridge.IngestResult
			for _, path := range args {
				info := lawbridge.DocumentInfo{ID: id, Title: title, Code: code, LawFamily: fam}
				var res *lawbridge.IngestResult
				if imageExts[strings.ToLower(filepath.Ext(path))] {
					data, rerr := os.ReadFile(path)
					if rerr != nil {
						return rerr
					}
					if info.ID == "" {
						info.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
					}
					res, err = a.engine.IngestImage(ctx, data, info)
				} else {
					res, err = a.engine.IngestFile(ctx, path, info)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				results = append(results, res)
				if !a.jsonOut {
					if res.Skipped {
						fmt.Fprintf(out, "%s: unchanged (version %d, %d units)\n", res.DocumentID, res.Version, res.Units)
					} else {
						fmt.Fprintf(out, "%s: version %d, %d units indexed, %d removed\n",
							res.DocumentID, res.Version, res.Units, res.Removed)
					}
				}
			}
			return a.print(out, results, func(io.Writer) {})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document id (default: derived from the file name)")
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&code, "code", "", "statute code, e.g. IPC or BNS")
	cmd.Flags().StringVar(&family, "family", "other", "law family: old-code, new-code or other")
	return cmd
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <document-id>",
		Short: "Remove a document and all of its units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.RemoveDocument(ctxOf(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func (a *app) docsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List ingested documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := a.engine.ListDocuments(ctxOf(cmd))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), docs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCODE\tFAMILY\tVERSION\tSTATUS\tTITLE")
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Code, d.LawFamily, d.Version, d.Status, d.Title)
				}
				tw.Flush()
			})
		},
	}
}

func addFilterFlags(cmd *cobra.Command, f *retrieval.Filters, family *string) {
	cmd.Flags().StringVar(family, "family", "", "restrict to a law family")
	cmd.Flags().StringVar(&f.Code, "code", "", "restrict to a statute code")
	cmd.Flags().StringVar(&f.DocumentID, "doc", "", "restrict to a document")
	cmd.Flags().StringVar(&f.SectionLabel, "section", "", "restrict to a section label")
}

func applyFamily(f *retrieval.Filters, family string) error {
	if family == "" {
		return nil
	}
	fam, err := store.ParseLawFamily(family)
	if err != nil {
		return err
	}
	f.LawFamily = fam
	return nil
}

func (a *app) searchCmd() *cobra.Command {
	var (
		k       int
		filters retrieval.Filters
		family  string
	)
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Find the statute passages most relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyFamily(&filters, family); err != nil {
				return err
			}
			query := joinArgs(args)
			results, err := a.engine.Query(ctxOf(cmd), query, k, filters)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "no matches")
					return
				}
				for i, r := range results {
					ref := r.Citation.SectionID
					if ref == "" {
						ref = r.Citation.DocumentID
					}
					fmt.Fprintf(w, "%2d. %-10s %.3f  %s p.%d\n    %s\n", i+1, ref, r.Score,
						r.Citation.DocumentID, r.Citation.PageNumber, lawbridge.Snippet(r.Text, query))
				}
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 5, "number of results")
	addFilterFlags(cmd, &filters, &family)
	return cmd
}

func (a *app) askCmd() *cobra.Command {
	var (
		policy compose.Policy
		family string
	)
	cmd := &cobra.Command{
		Use:   "ask <question>...",
		Short: "Answer a question from the indexed statutes, with citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyFamily(&policy.Filters, family); err != nil {
				return err
			}
			ans, err := a.engine.Answer(ctxOf(cmd), joinArgs(args), policy)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), ans, func(w io.Writer) {
				fmt.Fprintln(w, ans.AnswerText)
				fmt.Fprintf(w, "\nstatus: %s  confidence: %.2f\n", ans.Status, ans.Confidence)
				for i, c := range ans.Citations {
					fmt.Fprintf(w, "  [%d] %s %s p.%d (%s)\n", i+1, c.SectionID, c.DocumentID, c.PageNumber, c.UnitID)
				}
				for _, m := range ans.Mappings {
					fmt.Fprintf(w, "  mapping: %s -> %s (%s)\n", m.OldSectionID, orRepealed(m.NewSectionID), m.ChangeType)
				}
				if len(ans.Stripped) > 0 {
					fmt.Fprintf(w, "  removed unverifiable citations: %s\n", strings.Join(ans.Stripped, ", "))
				}
			})
		},
	}
	cmd.Flags().IntVarP(&policy.K, "top", "k", 0, "number of sources (default from config)")
	cmd.Flags().BoolVar(&policy.UseMappings, "mappings", false, "add mapped new-code sections for old-code references")
	addFilterFlags(cmd, &policy.Filters, &family)
	return cmd
}

func orRepealed(id string) string {
	if id == "" {
		return "(repealed)"
	}
	return id
}

func printMapping(w io.Writer, m *store.Mapping) {
	fmt.Fprintf(w, "%s -> %s\n", m.OldSectionID, orRepealed(m.NewSectionID))
	fmt.Fprintf(w, "  change:     %s\n", m.ChangeType)
	fmt.Fprintf(w, "  source:     %s (version %d)\n", m.Source, m.Version)
	fmt.Fprintf(w, "  confidence: %.2f\n", m.Confidence)
	if m.Notes != "" {
		fmt.Fprintf(w, "  notes:      %s\n", m.Notes)
	}
}

func (a *app) mapCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "map <old-section-id>",
		Short: "Show the new-code counterpart of an old-code section, e.g. IPC-302",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := ctxOf(cmd)
			if history {
				rows, err := a.engine.MappingHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), rows, func(w io.Writer) {
					for _, m := range rows {
						state := "superseded " + m.SupersededAt
						if m.Active {
							state = "active"
						}
						fmt.Fprintf(w, "v%d %s -> %s [%s, %s] %s\n", m.Version, m.OldSectionID,
							orRepealed(m.NewSectionID), m.Source, m.ChangeType, state)
					}
				})
			}
			m, err := a.engine.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), m, func(w io.Writer) { printMapping(w, m) })
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "show every recorded version")
	return cmd
}

func (a *app) overrideCmd() *cobra.Command {
	var change, notes string
	cmd := &cobra.Command{
		Use:   "override <old-section-id> [new-section-id]",
		Short: "Record a manual mapping; omit the new section for a repeal",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := store.Mapping{OldSectionID: args[0], ChangeType: store.ChangeType(change), Notes: notes}
			if len(args) == 2 {
				m.NewSectionID = args[1]
			} else if change == "" {
				m.ChangeType = store.ChangeRepealed
			}
			saved, err := a.engine.Override(ctxOf(cmd), m)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), saved, func(w io.Writer) { printMapping(w, saved) })
		},
	}
	cmd.Flags().StringVar(&change, "change", "", "change type: unchanged, reworded, penalty-changed, scope-changed, repealed, new-provision")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	return cmd
}

func (a *app) buildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build-mappings",
		Short: "Derive mappings for every unmapped old-code section in the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.engine.BuildMappings(ctxOf(cmd), nil)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				fmt.Fprintf(w, "derived %d, already mapped %d, unresolved %d\n",
					rep.Derived, rep.AlreadyMapped, len(rep.Unresolved))
			})
		},
	}
}

// importExitCode is 0 when every row imported, 1 when some rows failed,
// and 2 when nothing imported.
func importExitCode(rep *mapper.ImportReport) int {
	switch {
	case rep.Success == 0 && rep.Kept == 0:
		return 2
	case len(rep.Errors) > 0:
		return 1
	}
	return 0
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv|file.xlsx>",
		Short: "Import a curated mapping table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.engine.ImportMappings(ctxOf(cmd), args[0])
			if err != nil {
				if errors.Is(err, lawbridge.ErrUnsupportedTable) || errors.Is(err, lawbridge.ErrUnsupportedFormat) {
					return &exitError{code: 2, err: err}
				}
				return err
			}
			if perr := a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				fmt.Fprintf(w, "imported %d, unchanged %d, errors %d\n", rep.Success, rep.Kept, len(rep.Errors))
				for _, e := range rep.Errors {
					fmt.Fprintf(w, "  row %d %s: %s\n", e.Row, e.OldSectionID, e.Error)
				}
			}); perr != nil {
				return perr
			}
			if code := importExitCode(rep); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the active mappings as json, csv or xlsx",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
				if format == "" {
					format = strings.TrimPrefix(filepath.Ext(out), ".")
				}
			}
			if format == "" {
				format = "json"
			}
			if format == "xlsx" && out == "" {
				return errors.New("xlsx export needs --out")
			}
			return a.engine.ExportMappings(ctxOf(cmd), format, w)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json, csv or xlsx (default from --out extension, else json)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) compareCmd() *cobra.Command {
	var unified bool
	cmd := &cobra.Command{
		Use:   "compare <old-section-id>",
		Short: "Compare an old-code section with its new-code counterpart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.engine.Compare(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), d, func(w io.Writer) {
				fmt.Fprintf(w, "%s -> %s (%s)\n", d.OldSectionID, orRepealed(d.NewSectionID), d.ChangeType)
				fmt.Fprintf(w, "  wording: %s\n", d.Wording.String())
				fmt.Fprintf(w, "  penalty: %s\n", d.Penalty.String())
				fmt.Fprintf(w, "  scope:   %s\n", d.Scope.String())
				if unified && d.Wording.Unified != "" {
					fmt.Fprintf(w, "\n%s", d.Wording.Unified)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&unified, "diff", false, "print the sentence-level unified diff")
	return cmd
}

func (a *app) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <file|->",
		Short: "Find and resolve the section references in a notice or FIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			an, err := a.engine.AnalyzeDocument(ctxOf(cmd), string(data))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), an, func(w io.Writer) {
				fmt.Fprintf(w, "severity: %s (score %d)\n%s\n", an.Severity, an.Score, an.Guidance)
				for _, r := range an.References {
					line := fmt.Sprintf("  %-10s weight %d", r.ID(), r.Weight)
					if r.Mapping != nil {
						line += fmt.Sprintf("  -> %s (%s)", orRepealed(r.Mapping.NewSectionID), r.Mapping.ChangeType)
					}
					if r.Bail != nil {
						line += "  [" + offenceStatus(r.Bail) + "]"
					}
					fmt.Fprintln(w, line)
				}
				if len(an.Authorities) > 0 {
					fmt.Fprintf(w, "authorities: %s\n", strings.Join(an.Authorities, ", "))
				}
				for _, p := range an.ActionPoints {
					fmt.Fprintf(w, "- %s\n", p)
				}
				for _, t := range an.Terms {
					fmt.Fprintf(w, "%s: %s\n", t.Term, t.Definition)
				}
			})
		},
	}
}

func offenceStatus(c *lexicon.Classification) string {
	bail, cog := "non-bailable", "non-cognizable"
	if c.Bailable {
		bail = "bailable"
	}
	if c.Cognizable {
		cog = "cognizable"
	}
	return bail + ", " + cog
}

func (a *app) offenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offence <section-id>",
		Short: "Show whether an offence is bailable and cognizable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.engine.ClassifyOffence(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), c, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s\n%s\npunishment: %s\n%s\n",
					c.SectionID, c.Offence, offenceStatus(c), c.Punishment, c.Procedure)
			})
		},
	}
}

func printTerms(w io.Writer, terms []store.GlossaryTerm) {
	for _, t := range terms {
		fmt.Fprintf(w, "%s", t.Term)
		if t.Category != "" {
			fmt.Fprintf(w, " (%s)", t.Category)
		}
		fmt.Fprintf(w, "\n  %s\n", t.Definition)
	}
}

func (a *app) glossaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glossary",
		Short: "Look up plain-language definitions of legal terms",
	}
	var limit int
	search := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search terms and definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, err := a.engine.SearchGlossary(ctxOf(cmd), joinArgs(args), limit)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), terms, func(w io.Writer) { printTerms(w, terms) })
		},
	}
	search.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (default 20)")

	show := &cobra.Command{
		Use:   "show <term>...",
		Short: "Show one term with its related sections and examples",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.engine.GetGlossaryTerm(ctxOf(cmd), joinArgs(args))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), t, func(w io.Writer) {
				printTerms(w, []store.GlossaryTerm{*t})
				if t.RelatedSections != "" {
					fmt.Fprintf(w, "  related: %s\n", t.RelatedSections)
				}
				if t.Examples != "" {
					fmt.Fprintf(w, "  example: %s\n", t.Examples)
				}
			})
		},
	}

	var letter, category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List terms, optionally by first letter or category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, err := a.engine.ListGlossary(ctxOf(cmd), store.GlossaryFilter{Letter: letter, Category: category})
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), terms, func(w io.Writer) {
				for _, t := range terms {
					fmt.Fprintln(w, t.Term)
				}
			})
		},
	}
	list.Flags().StringVar(&letter, "letter", "", "first letter")
	list.Flags().StringVar(&category, "category", "", "category")

	categories := &cobra.Command{
		Use:   "categories",
		Short: "List term categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cats, err := a.engine.GlossaryCategories(ctxOf(cmd))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), cats, func(w io.Writer) { fmt.Fprintln(w, strings.Join(cats, "\n")) })
		},
	}

	var entry store.GlossaryTerm
	add := &cobra.Command{
		Use:   "add <term>...",
		Short: "Add a term or replace its definition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry.Term = joinArgs(args)
			t, err := a.engine.PutGlossaryTerm(ctxOf(cmd), entry)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), t, func(w io.Writer) { fmt.Fprintf(w, "saved %s\n", t.Term) })
		},
	}
	add.Flags().StringVar(&entry.Definition, "definition", "", "plain-language definition (required)")
	add.Flags().StringVar(&entry.Category, "category", "", "category")
	add.Flags().StringVar(&entry.RelatedSections, "related", "", "related sections")
	add.Flags().StringVar(&entry.Examples, "example", "", "example sentence")

	del := &cobra.Command{
		Use:   "delete <term>...",
		Short: "Delete a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := joinArgs(args)
			if err := a.engine.DeleteGlossaryTerm(ctxOf(cmd), term); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", term)
			return nil
		},
	}

	detect := &cobra.Command{
		Use:   "detect <file|->",
		Short: "List the glossary terms used in a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			terms, err := a.engine.DetectTerms(ctxOf(cmd), string(data))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), terms, func(w io.Writer) { printTerms(w, terms) })
		},
	}

	cmd.AddCommand(search, show, list, categories, add, del, detect)
	return cmd
}

func (a *app) bookmarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmark",
		Short: "Manage saved sections",
	}
	var notes string
	add := &cobra.Command{
		Use:   "add <section-id> <title>...",
		Short: "Bookmark a section",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.engine.AddBookmark(ctxOf(cmd), args[0], joinArgs(args[1:]), notes)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), b, func(w io.Writer) { fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.SectionID, b.Title) })
		},
	}
	add.Flags().StringVar(&notes, "notes", "", "notes")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bookmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := a.engine.ListBookmarks(ctxOf(cmd))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), bs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, b := range bs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.SectionID, b.Title, b.Notes)
				}
				tw.Flush()
			})
		},
	}

	var title, editNotes string
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a bookmark's title or notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.engine.UpdateBookmark(ctxOf(cmd), args[0], title, editNotes)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), b, func(w io.Writer) { fmt.Fprintf(w, "updated %s\n", b.ID) })
		},
	}
	edit.Flags().StringVar(&title, "title", "", "new title (default: keep)")
	edit.Flags().StringVar(&editNotes, "notes", "", "new notes")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.DeleteBookmark(ctxOf(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, edit, del)
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the vector index for dangling entries and repair it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.engine.VerifyIndex(ctxOf(cmd))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				fmt.Fprintf(w, "%s index (%s): %d vectors, %d dangling, rebuilt=%t\n",
					rep.Backend, rep.Identity, rep.Vectors, rep.Dangling, rep.Rebuilt)
			})
		},
	}
}

func (a *app) diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show configuration and storage counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.engine.Diagnostics(ctxOf(cmd))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), d, func(w io.Writer) {
				fmt.Fprintf(w, "database:        %s\n", d.DBPath)
				fmt.Fprintf(w, "retrieval:       %s\n", d.RetrievalMode)
				fmt.Fprintf(w, "index:           %s (%s)\n", d.IndexBackend, d.EmbedderIdentity)
				if d.ChatModel != "" {
					fmt.Fprintf(w, "chat model:      %s\n", d.ChatModel)
				}
				fmt.Fprintf(w, "ocr:             %s\n", d.OCR)
				fmt.Fprintf(w, "min confidence:  %.2f\n", d.MinConfidence)
				if s := d.Stats; s != nil {
					fmt.Fprintf(w, "documents %d, units %d, embeddings %d, mappings %d active / %d rows, bookmarks %d, glossary terms %d, queries %d\n",
						s.Documents, s.Units, s.Embeddings, s.ActiveMappings, s.MappingRows, s.Bookmarks, s.GlossaryTerms, s.Queries)
				}
			})
		},
	}
}

func (a *app) evalCmd() *cobra.Command {
	var dataset string
	var k int
	var answers, failOnMiss bool
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score retrieval, answers and mappings against a gold dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := eval.CriminalCodesDataset()
			if dataset != "" {
				var err error
				if ds, err = eval.LoadDataset(dataset); err != nil {
					return err
				}
			}
			rep, err := eval.NewEvaluator(a.engine).Run(ctxOf(cmd), ds, eval.Options{K: k, Answers: answers})
			if err != nil {
				return err
			}
			if err := a.print(cmd.OutOrStdout(), rep, func(w io.Writer) {
				fmt.Fprint(w, eval.FormatReport(rep))
			}); err != nil {
				return err
			}
			if failOnMiss && rep.Failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d of %d tests failed", rep.Failed, rep.TotalTests)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "YAML or JSON dataset (default: built-in IPC/BNS set)")
	cmd.Flags().IntVarP(&k, "top", "k", 10, "retrieval depth per question")
	cmd.Flags().BoolVar(&answers, "answers", false, "also compose and score an answer per question")
	cmd.Flags().BoolVar(&failOnMiss, "fail", false, "exit 1 when any test fails")
	return cmd
}
