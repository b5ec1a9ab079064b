package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/engine"
)

// validationFinding is one admission failure or warning of a resource.
type validationFinding struct {
	Resource  string `json:"resource"`
	Line      int    `json:"line,omitempty"`
	Validator string `json:"validator,omitempty"`
	Message   string `json:"message"`
	Warning   bool   `json:"warning,omitempty"`
}

type validationReport struct {
	File      string              `json:"file"`
	Resources int                 `json:"resources"`
	Findings  []validationFinding `json:"findings"`
}

func (r *validationReport) failed() bool {
	for _, f := range r.Findings {
		if !f.Warning {
			return true
		}
	}
	return false
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a declarative document without touching the workspace",
		Long: `Parse a declarative document and run every admission check on each
resource: the field mapping of its kind, its CUE schema and the Rego
policies. Live records are not read.

With --watch the document is validated again whenever it changes, and the
configured policy paths are reloaded on change.`,
		Example: `  grcsync validate controls.grc
  grcsync validate --watch vendors.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			scope := engine.Scope{OrgID: orgID, Workspace: workspace}
			if !watch {
				report, err := a.validateDocument(ctx, scope, path)
				if err != nil {
					return err
				}
				if err := printValidation(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.failed() {
					return fmt.Errorf("%s failed validation", path)
				}
				return nil
			}

			return a.watchDocument(ctx, cmd.OutOrStdout(), scope, path)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "validate again whenever the document or a policy changes")

	return cmd
}

// validateDocument parses path and admits every resource. Parse failures
// are returned as errors; admission failures are findings.
func (a *app) validateDocument(ctx context.Context, scope engine.Scope, path string) (*validationReport, error) {
	text, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	parsed, err := declarative.ParseFile(text, path)
	if err != nil {
		return nil, engine.NewParseError("failed to parse "+path, err)
	}

	report := &validationReport{File: path, Resources: len(parsed.Resources), Findings: []validationFinding{}}
	if parsed.Status == declarative.StatusNoResources {
		report.Findings = append(report.Findings, validationFinding{
			Resource: path,
			Message:  "the document has content but no resource blocks",
		})
	}

	for _, res := range parsed.Resources {
		finding := func(validator, msg string, warning bool) {
			report.Findings = append(report.Findings, validationFinding{
				Resource: res.Address(), Line: res.Line, Validator: validator, Message: msg, Warning: warning,
			})
		}

		store, ok := a.registry.Get(res.Type)
		if !ok {
			finding("", fmt.Sprintf("unknown resource type %q", res.Type), false)
			continue
		}
		if _, ok := engine.BusinessIDOf(res.Attributes, store.BusinessIDKey()); !ok {
			finding("", fmt.Sprintf("missing business id %q", store.BusinessIDKey()), false)
			continue
		}

		for _, v := range a.validators {
			if err := v.Validate(ctx, scope, res.Type, res.Attributes); err != nil {
				finding(v.Name(), err.Error(), false)
			}
		}
		if a.policies != nil {
			result, err := a.policies.EvaluateResource(ctx, scope, res.Type, res.Attributes)
			if err != nil {
				return nil, err
			}
			for _, w := range result.Warnings {
				finding(a.policies.Name(), fmt.Sprintf("%s: %s", w.Policy, w.Message), true)
			}
		}
	}
	return report, nil
}

// watchDocument validates path on every change until ctx is done.
func (a *app) watchDocument(ctx context.Context, w io.Writer, scope engine.Scope, path string) error {
	if a.policies != nil && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	run := func() {
		report, err := a.validateDocument(ctx, scope, path)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			return
		}
		_ = printValidation(w, report)
	}
	run()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == target && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Error().Err(err).Msg("Watcher error")
		case <-debounce:
			debounce = nil
			run()
		}
	}
}

func printValidation(w io.Writer, report *validationReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	errs := 0
	for _, f := range report.Findings {
		level := "error"
		if f.Warning {
			level = "warning"
		} else {
			errs++
		}
		source := f.Resource
		if f.Line > 0 {
			source = fmt.Sprintf("%s (line %d)", f.Resource, f.Line)
		}
		if f.Validator != "" {
			fmt.Fprintf(w, "%s: %s [%s]: %s\n", level, source, f.Validator, f.Message)
		} else {
			fmt.Fprintf(w, "%s: %s: %s\n", level, source, f.Message)
		}
	}

	if errs == 0 {
		fmt.Fprintf(w, "%s: %d resources valid\n", report.File, report.Resources)
	} else {
		fmt.Fprintf(w, "%s: %d errors in %d resources\n", report.File, errs, report.Resources)
	}
	return nil
}
