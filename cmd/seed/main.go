package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"proposal-workflow/backend/internal/config"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/internal/services"
	"proposal-workflow/backend/internal/workflow"
	"proposal-workflow/backend/pkg/models"
)

//go:embed seed.yaml
var builtinSeed []byte

// seedFile is the YAML layout of a seed file. Entries are kept generic and
// re-decoded through the JSON codecs of the models.
type seedFile struct {
	Tools      []any `yaml:"tools"`
	Operations []any `yaml:"operations"`
	Workflows  []any `yaml:"workflows"`
	Proposals  []any `yaml:"proposals"`
}

type seedData struct {
	Tools      []*models.ExternalTool
	Operations []*models.ToolOperation
	Workflows  []*workflow.Definition
	Proposals  []services.CreateProposalRequest
}

func main() {
	var (
		configPath string
		seedPath   string
	)

	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Publish demo workflows, tools and proposals",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

			raw := builtinSeed
			if seedPath != "" {
				if raw, err = os.ReadFile(seedPath); err != nil {
					return fmt.Errorf("failed to read seed file: %w", err)
				}
			}
			data, err := loadSeed(raw)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closeStore, err := repository.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			return seed(ctx, store, data, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&seedPath, "file", "", "Path to a YAML seed file (defaults to the built-in CSST demo)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func loadSeed(raw []byte) (*seedData, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	data := &seedData{}
	for i, v := range f.Tools {
		var t models.ExternalTool
		if err := redecode(v, &t); err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		data.Tools = append(data.Tools, &t)
	}
	for i, v := range f.Operations {
		var op models.ToolOperation
		if err := redecode(v, &op); err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		data.Operations = append(data.Operations, &op)
	}
	for i, v := range f.Workflows {
		d, err := workflow.ParseValue(v)
		if err != nil {
			return nil, fmt.Errorf("workflows[%d]: %w", i, err)
		}
		data.Workflows = append(data.Workflows, d)
	}
	for i, v := range f.Proposals {
		var req services.CreateProposalRequest
		if err := redecode(v, &req); err != nil {
			return nil, fmt.Errorf("proposals[%d]: %w", i, err)
		}
		data.Proposals = append(data.Proposals, req)
	}
	return data, nil
}

func redecode(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// seed publishes definitions in dependency order. Existing proposals are left
// untouched so the command can be rerun.
func seed(ctx context.Context, store repository.Store, data *seedData, logger *logging.Logger) error {
	defs := services.NewDefinitionService(store, logger)
	for _, t := range data.Tools {
		if err := defs.PublishTool(ctx, t); err != nil {
			return fmt.Errorf("failed to publish tool %q: %w", t.ID, err)
		}
		logger.Info("Seeded tool", "id", t.ID)
	}
	for _, op := range data.Operations {
		if err := defs.PublishOperation(ctx, op); err != nil {
			return fmt.Errorf("failed to publish operation %q: %w", op.OperationID, err)
		}
		logger.Info("Seeded operation", "id", op.ID, "operation_id", op.OperationID)
	}
	for _, d := range data.Workflows {
		_, warnings, err := defs.PublishWorkflowDefinition(ctx, d)
		if err != nil {
			return fmt.Errorf("failed to publish workflow %q: %w", d.ID, err)
		}
		for _, w := range warnings {
			logger.Warn("Workflow warning", "id", d.ID, "warning", w)
		}
		logger.Info("Seeded workflow", "id", d.ID, "transitions", len(d.Transitions))
	}

	transitions := services.NewTransitionService(store, nil, nil, services.WithLogger(logger))
	for _, req := range data.Proposals {
		p, err := transitions.CreateProposal(ctx, req)
		if errors.Is(err, repository.ErrAlreadyExists) {
			logger.Info("Skipping existing proposal", "id", req.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create proposal %q: %w", req.Title, err)
		}
		logger.Info("Seeded proposal", "id", p.ID, "status", p.Status)
	}
	logger.Info("Seeding complete")
	return nil
}
