package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"inspectline/internal/app"
	"inspectline/internal/config"
	"inspectline/internal/db"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/followup"
	"inspectline/internal/repo"
	"inspectline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Inspectline CLI",
	Long: `Inspectline evaluates inspection checklists and scores hazards.
Core concepts:
- Workspace: a directory holding inspectline.yml (optional) and the .inspectline database.
- Checklist: a fixed list of categories and items for one inspection type; critical items decide the verdict on their own.
- Inspection: responses (pass, fail, na) to every item plus findings for failed items; submitting stores an immutable record.
- Verdict: fail on any critical failure or more than the allowed non-critical failures, pass otherwise.
- Subject: the inspected equipment or area; a failed inspection takes it out of service.
- Hazard assessment: likelihood x severity ratings bucketed into low, medium, high and critical.
- Event log: everything that happened, view with 'il log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INSPECTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("site", "", "site id (overrides config)")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/inspectline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(hazardCmd())
	rootCmd.AddCommand(followupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage site config",
		Long:  "Config is the rulebook in inspectline.yml: site id, verdict and band thresholds, the risk matrix, extra checklists, the follow-up schedule and webhooks. Defaults apply when the file is missing.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var siteID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default inspectline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(siteID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", app.DefaultSiteID, "site id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return printYAML(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ValidateConfig(runtimeOptions())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- checklists ---

func checklistCmd() *cobra.Command {
	c := &cobra.Command{Use: "checklist", Short: "Browse checklist definitions"}
	c.AddCommand(checklistListCmd())
	c.AddCommand(checklistShowCmd())
	return c
}

func checklistListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checklist types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs := e.Catalog.List()
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := newTable("Type", "Name", "Categories", "Items", "Critical")
				for _, def := range defs {
					critical := 0
					for _, cat := range def.Categories {
						for _, it := range cat.Items {
							if it.Critical {
								critical++
							}
						}
					}
					tw.AppendRow(table.Row{def.Type, def.Name, len(def.Categories), def.TotalItems(), critical})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func checklistShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <type>",
		Short: "Show the items of a checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.Catalog.Get(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(def)
				}
				fmt.Printf("%s (%s)\n", def.Name, def.Type)
				tw := newTable("Category", "Item", "Text", "Critical")
				for _, cat := range def.Categories {
					for _, it := range cat.Items {
						tw.AppendRow(table.Row{cat.Name, it.ID, it.Text, yesNo(it.Critical)})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- inspections ---

func inspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Evaluate and record inspections",
		Long:  "Input files are YAML with checklist_type, subject_id, location, operator, date, responses (item_id/status/notes) and findings (item_id/severity/description/corrective_action).",
	}
	c.AddCommand(inspectEvaluateCmd())
	c.AddCommand(inspectSubmitCmd())
	c.AddCommand(inspectListCmd())
	c.AddCommand(inspectShowCmd())
	c.AddCommand(inspectRescoreCmd())
	return c
}

func inspectEvaluateCmd() *cobra.Command {
	var file, checklistType string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Preview progress, score and verdict without storing",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.SubmitOptions
			if err := readYAML(file, &opts); err != nil {
				return err
			}
			if checklistType != "" {
				opts.ChecklistType = checklistType
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Evaluate(opts.ChecklistType, opts.Responses)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				tw := newTable("Verdict", "Score", "Band", "Progress", "Pass", "Fail", "N/A", "Unchecked", "Critical failed")
				s := ev.Stats
				tw.AppendRow(table.Row{ev.Verdict, ev.Score, ev.Band, fmt.Sprintf("%d%%", s.ProgressPercent), s.Pass, s.Fail, s.NA, s.Unchecked, ev.CriticalFailed})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "inspection YAML file (- for stdin)")
	cmd.Flags().StringVar(&checklistType, "type", "", "checklist type (overrides the file)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func inspectSubmitCmd() *cobra.Command {
	var file, id string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a completed inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.SubmitOptions
			if err := readYAML(file, &opts); err != nil {
				return err
			}
			if id != "" {
				opts.ID = id
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, created, err := e.SubmitInspection(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				if !created {
					fmt.Printf("inspection %s already recorded\n", rec.ID)
				}
				printRecordSummary(rec)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "inspection YAML file (- for stdin)")
	cmd.Flags().StringVar(&id, "id", "", "record id for idempotent retries")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func inspectListCmd() *cobra.Command {
	var f repo.InspectionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inspection records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListInspections(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("ID", "Date", "Type", "Subject", "Status", "Score", "Band", "Deficiencies", "Follow-up")
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.InspectedOn, r.ChecklistType, r.SubjectID, r.Status, r.Score, r.Band, r.DeficiencyCount, deref(r.FollowUpDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "subject id filter")
	cmd.Flags().StringVar(&f.ChecklistType, "type", "", "checklist type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pass|fail)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	return cmd
}

func inspectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an inspection record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetInspection(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				printRecordSummary(rec)
				tw := newTable("Category", "Item", "Status", "Critical", "Notes")
				for _, cat := range rec.Checklist {
					for _, it := range cat.Items {
						tw.AppendRow(table.Row{cat.Name, it.ItemID, it.Status, yesNo(it.Critical), it.Notes})
					}
				}
				tw.Render()
				if len(rec.Findings) > 0 {
					ft := newTable("Finding", "Item", "Severity", "Description", "Corrective action")
					for _, f := range rec.Findings {
						ft.AppendRow(table.Row{f.ID, f.ItemID, f.Severity, f.Description, f.CorrectiveAction})
					}
					ft.Render()
				}
				return nil
			})
		},
	}
}

func inspectRescoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescore <id>",
		Short: "Recompute a stored record under the current policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Rescore(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("", "Status", "Score", "Band")
				tw.AppendRow(table.Row{"stored", res.Record.Status, res.Record.Score, res.Record.Band})
				tw.AppendRow(table.Row{"current", res.Evaluation.Verdict, res.Evaluation.Score, res.Evaluation.Band})
				tw.Render()
				if !res.Consistent {
					fmt.Println("stored result differs from the current policy")
				}
				return nil
			})
		},
	}
}

func printRecordSummary(rec domain.InspectionRecord) {
	tw := newTable("ID", "Type", "Subject", "Date", "Result", "Score", "Band", "Deficiencies", "Follow-up")
	tw.AppendRow(table.Row{rec.ID, rec.ChecklistType, rec.SubjectID, rec.InspectedOn, rec.Result, rec.Score, rec.Band, rec.DeficiencyCount, deref(rec.FollowUpDate)})
	tw.Render()
}

// --- subjects ---

func subjectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "subject",
		Short: "Inspected equipment and areas",
		Long:  "A subject's service status follows its most recent inspection: fail takes it out of service, pass returns it.",
	}
	c.AddCommand(subjectListCmd())
	c.AddCommand(subjectShowCmd())
	return c
}

func subjectListCmd() *cobra.Command {
	var status, checklistType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				subjects, err := e.ListSubjects(ctx, status, checklistType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subjects)
				}
				tw := newTable("ID", "Type", "Location", "Service", "Last inspection", "Last date")
				for _, s := range subjects {
					tw.AppendRow(table.Row{s.ID, s.ChecklistType, s.Location, s.ServiceStatus, s.LastInspectionID, s.LastInspectedOn})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "service status filter (in_service|out_of_service)")
	cmd.Flags().StringVar(&checklistType, "type", "", "checklist type filter")
	return cmd
}

func subjectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSubject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

// --- risk ---

func riskCmd() *cobra.Command {
	c := &cobra.Command{Use: "risk", Short: "Risk matrix"}
	c.AddCommand(riskMatrixCmd())
	c.AddCommand(riskRateCmd())
	return c
}

func riskMatrixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix",
		Short: "Print the likelihood x severity grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := e.Matrix
				if viper.GetBool("json") {
					return printJSON(m)
				}
				header := table.Row{"L \\ S"}
				for s := m.Scale.Min; s <= m.Scale.Max; s++ {
					header = append(header, s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(header)
				for l := m.Scale.Max; l >= m.Scale.Min; l-- {
					row := table.Row{l}
					for s := m.Scale.Min; s <= m.Scale.Max; s++ {
						rating, err := m.Rate(l, s)
						if err != nil {
							return err
						}
						row = append(row, fmt.Sprintf("%d %s", rating.Score, rating.Level))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
}

func riskRateCmd() *cobra.Command {
	var likelihood, severity int
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Score one likelihood/severity pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rating, err := e.Matrix.Rate(likelihood, severity)
				if err != nil {
					return err
				}
				return printJSONOrTable(rating)
			})
		},
	}
	cmd.Flags().IntVarP(&likelihood, "likelihood", "l", 0, "likelihood rating")
	cmd.Flags().IntVarP(&severity, "severity", "s", 0, "severity rating")
	_ = cmd.MarkFlagRequired("likelihood")
	_ = cmd.MarkFlagRequired("severity")
	return cmd
}

// --- hazard assessments ---

func hazardCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "hazard",
		Short: "Hazard assessments",
		Long:  "Input files are YAML with title, location, assessor, assessed_on and items (id, hazard, controls, likelihood_before, severity_before, likelihood_after, severity_after).",
	}
	c.AddCommand(hazardCreateCmd())
	c.AddCommand(hazardUpdateCmd())
	c.AddCommand(hazardListCmd())
	c.AddCommand(hazardShowCmd())
	return c
}

func hazardCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hazard assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.AssessmentInput
			if err := readYAML(file, &in); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAssessment(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "assessment YAML file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func hazardUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a hazard assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.AssessmentInput
			if err := readYAML(file, &in); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssessment(ctx, args[0], in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "assessment YAML file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func hazardListCmd() *cobra.Command {
	var level string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hazard assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAssessments(ctx, level, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Location", "Assessed", "Overall", "Residual")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Location, a.AssessedOn, a.OverallRiskLevel, derefLevel(a.ResidualRiskLevel)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "overall risk level filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max assessments")
	return cmd
}

func hazardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a hazard assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
}

func printAssessment(a domain.HazardAssessment) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s  %s  overall=%s residual=%s\n", a.ID, a.Title, a.OverallRiskLevel, derefLevel(a.ResidualRiskLevel))
	tw := newTable("Item", "Hazard", "Before", "After", "Controls")
	for _, h := range a.Items {
		after := ""
		if h.RiskScoreAfter != nil {
			after = fmt.Sprintf("%d %s", *h.RiskScoreAfter, derefLevel(h.RiskLevelAfter))
		}
		tw.AppendRow(table.Row{h.ID, h.Hazard, fmt.Sprintf("%d %s", h.RiskScoreBefore, h.RiskLevelBefore), after, h.Controls})
	}
	tw.Render()
	return nil
}

// --- follow-ups ---

func followupCmd() *cobra.Command {
	c := &cobra.Command{Use: "followup", Short: "Follow-up tracking"}
	c.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Emit overdue events for follow-ups past their date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepOverdueFollowUps(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"overdue": n})
				}
				fmt.Printf("%d overdue follow-up(s)\n", n)
				return nil
			})
		},
	})
	return c
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, service status changes, hazard assessments and overdue follow-ups.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.SiteID = e.Config.Site.ID
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(runtimeOptions())
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := log.New(os.Stderr, "", log.LstdFlags)

			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartWebhookDispatcher(ctx, rt.Engine, logger)
			if !noScheduler && strings.TrimSpace(rt.Config.FollowUp.Schedule) != "" {
				sched, err := followup.New(rt.Engine, rt.Config.FollowUp.Schedule, logger)
				if err != nil {
					return err
				}
				stop := sched.Start(ctx)
				defer stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Printf("serve: site=%s listening on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)", rt.Config.Site.ID, addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the follow-up sweep schedule")
	return cmd
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		SiteID:     viper.GetString("site"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func readYAML(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefLevel(l *domain.RiskLevel) string {
	if l == nil {
		return ""
	}
	return string(*l)
}
