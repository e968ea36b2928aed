package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enrich/internal/pipeline"
	"github.com/sells-group/lead-enrich/internal/queue"
)

// SeedFile is the batch discovery file format.
//
//	seeds:
//	  - query: dentist
//	    locations: [Kuala Lumpur, Petaling Jaya]
//	  - query: bakery in George Town
type SeedFile struct {
	Seeds []Seed `yaml:"seeds"`
}

// Seed is one search term, optionally fanned out over locations.
type Seed struct {
	Query     string   `yaml:"query"`
	Locations []string `yaml:"locations"`
}

// Queries expands the seeds into distinct text queries in file order.
func (f SeedFile) Queries() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			return
		}
		seen[q] = true
		out = append(out, q)
	}
	for _, s := range f.Seeds {
		if len(s.Locations) == 0 {
			add(s.Query)
			continue
		}
		for _, loc := range s.Locations {
			add(strings.TrimSpace(s.Query) + " in " + strings.TrimSpace(loc))
		}
	}
	return out
}

// loadSeeds reads a seed file.
func loadSeeds(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "discover: read seeds %s", path)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "discover: parse seeds")
	}
	return f.Queries(), nil
}

var (
	discoverFile   string
	discoverInline bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover [query]",
	Short: "Enqueue Google Places discovery for a query or a seed file",
	Long: `Enqueues a DISCOVER job per text query. Each new lead found by a
worker is chained into the website check.

Examples:
  discover "dentist in Kuala Lumpur"
  discover --file seeds.yaml
  discover --inline "bakery in George Town"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var queries []string
		if len(args) == 1 {
			queries = append(queries, args[0])
		}
		if discoverFile != "" {
			qs, err := loadSeeds(discoverFile)
			if err != nil {
				return err
			}
			queries = append(queries, qs...)
		}
		if len(queries) == 0 {
			return eris.New("discover: a query or --file is required")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, envOptions{Queue: true})
		if err != nil {
			return err
		}
		defer env.Close()

		for _, q := range queries {
			if !discoverInline {
				added, err := env.Orchestrator.EnqueueDiscover(ctx, q)
				if err != nil {
					return err
				}
				fmt.Printf("%-40s enqueued=%t\n", q, added)
				continue
			}

			job := &queue.Job{
				Stage:   string(pipeline.StageDiscover),
				Payload: map[string]string{pipeline.PayloadQuery: q},
			}
			outcome, ids, err := env.Handlers.Discover(ctx, job)
			if err != nil {
				return err
			}
			n, err := env.Orchestrator.Advance(ctx, job, outcome, ids)
			if err != nil {
				return err
			}
			zap.L().Info("discovery finished",
				zap.String("query", q),
				zap.String("outcome", string(outcome)),
				zap.Int("new_leads", len(ids)),
				zap.Int("enqueued", n),
			)
			fmt.Printf("%-40s outcome=%s new_leads=%d\n", q, outcome, len(ids))
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverFile, "file", "", "YAML seed file of queries")
	discoverCmd.Flags().BoolVar(&discoverInline, "inline", false, "run discovery now instead of enqueueing it")
	rootCmd.AddCommand(discoverCmd)
}
