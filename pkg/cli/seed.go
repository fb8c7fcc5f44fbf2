package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ontology-engine/pkg/graph"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// SeedFile is the YAML fixture format accepted by the seed command.
//
//	entities:
//	  - type: namespace
//	    primary_key: [name, cluster_name]
//	    properties:
//	      name: web
//	      cluster_name: prod
type SeedFile struct {
	Entities []SeedEntity `yaml:"entities"`
}

// SeedEntity is one entity in a seed file.
type SeedEntity struct {
	Type           string         `yaml:"type"`
	PrimaryKey     []string       `yaml:"primary_key"`
	AdditionalKeys [][]string     `yaml:"additional_keys"`
	Properties     map[string]any `yaml:"properties"`
}

// ParseSeed decodes and validates a seed file.
func ParseSeed(r io.Reader) ([]*models.Entity, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	entities := make([]*models.Entity, 0, len(f.Entities))
	for i, se := range f.Entities {
		if se.Type == "" {
			return nil, fmt.Errorf("entities[%d]: type is required", i)
		}
		if len(se.PrimaryKey) == 0 {
			return nil, fmt.Errorf("entities[%d] (%s): primary_key is required", i, se.Type)
		}
		e := &models.Entity{
			Type:                    se.Type,
			PrimaryKeyProperties:    se.PrimaryKey,
			AdditionalKeyProperties: se.AdditionalKeys,
			Properties:              make(map[string]models.Value, len(se.Properties)),
		}
		for name, raw := range se.Properties {
			v, err := models.ValueFromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("entities[%d] (%s) property %s: %w", i, se.Type, name, err)
			}
			e.Properties[name] = v
		}
		for _, key := range se.PrimaryKey {
			if e.Properties[key].IsEmpty() {
				return nil, fmt.Errorf("entities[%d] (%s): primary key property %s is empty", i, se.Type, key)
			}
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load entities from a YAML fixture into the data graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entities, err := ParseSeed(f)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(app *App) error {
				n, err := seedEntities(cmd.Context(), app.DataGraph, entities)
				if err != nil {
					return err
				}
				opts.Logger.Info("Seeded data graph", zap.String("file", args[0]), zap.Int("entities", n))
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d entities\n", n)
				return nil
			})
		},
	}
}

func seedEntities(ctx context.Context, store graph.GraphStore, entities []*models.Entity) (int, error) {
	for i, e := range entities {
		if err := store.UpdateEntity(ctx, e); err != nil {
			return i, fmt.Errorf("failed to store %s: %w", e.Ref(), err)
		}
	}
	return len(entities), nil
}
