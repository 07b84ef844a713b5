package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/chronod/pkg/api"
)

// applyFile is the declarative manifest accepted by `jobs apply`.
type applyFile struct {
	Jobs []applyJob `yaml:"jobs"`
}

// applyJob mirrors the REST job document. Pointer fields distinguish
// "absent" from zero so an update only touches what the manifest sets.
type applyJob struct {
	Name           string         `yaml:"name"`
	Description    *string        `yaml:"description"`
	CronExpression string         `yaml:"cronExpression"`
	JobType        *string        `yaml:"jobType"`
	Tags           *[]string      `yaml:"tags"`
	Payload        map[string]any `yaml:"payload"`
	TimeoutMS      *int           `yaml:"timeoutMs"`
	MaxRetries     *int           `yaml:"maxRetries"`
	RetryDelayMS   *int           `yaml:"retryDelayMs"`
	IsActive       *bool          `yaml:"isActive"`
	CreatedBy      string         `yaml:"createdBy"`
}

func jobsApplyCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update jobs from a YAML manifest, matched by name",
		Long: `Apply reads a manifest like:

    jobs:
      - name: nightly-report
        cronExpression: "0 2 * * *"
        tags: [reports]
        payload:
          script: "console.log('hi')"

and upserts each entry: jobs are matched to existing ones by name, created
when missing, and updated otherwise.`,
		Run: func(cmd *cobra.Command, args []string) {
			runApply(file, dryRun)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest path (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without applying")
	cobra.CheckErr(cmd.MarkFlagRequired("file"))
	return cmd
}

func runApply(path string, dryRun bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	var manifest applyFile
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		fmt.Fprintf(os.Stderr, "Error: parse %s: %s\n", path, err)
		os.Exit(1)
	}
	if len(manifest.Jobs) == 0 {
		fmt.Println("Nothing to apply.")
		return
	}
	for i, mj := range manifest.Jobs {
		if mj.Name == "" {
			fmt.Fprintf(os.Stderr, "Error: jobs[%d] has no name; every manifest entry needs one\n", i)
			os.Exit(1)
		}
	}

	c := newAPIClient()
	requireServer(c)

	existing := fetchJobsByName(c)

	var created, updated int
	for _, mj := range manifest.Jobs {
		payload, err := payloadJSON(mj.Payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: payload: %s\n", mj.Name, err)
			os.Exit(1)
		}

		cur, ok := existing[mj.Name]
		if !ok {
			if mj.CronExpression == "" {
				fmt.Fprintf(os.Stderr, "Error: %s: cronExpression is required to create a job\n", mj.Name)
				os.Exit(1)
			}
			if dryRun {
				fmt.Printf("would create %s\n", mj.Name)
				created++
				continue
			}
			req := api.JobCreate{
				Name:           mj.Name,
				CronExpression: mj.CronExpression,
				Payload:        payload,
				CreatedBy:      mj.CreatedBy,
				IsActive:       mj.IsActive,
				TimeoutMS:      mj.TimeoutMS,
				MaxRetries:     mj.MaxRetries,
				RetryDelayMS:   mj.RetryDelayMS,
			}
			if mj.Description != nil {
				req.Description = *mj.Description
			}
			if mj.JobType != nil {
				req.JobType = *mj.JobType
			}
			if mj.Tags != nil {
				req.Tags = *mj.Tags
			}

			var job api.Job
			if err := c.post("/jobs", req, &job); err != nil {
				fmt.Fprintf(os.Stderr, "Error: create %s: %s\n", mj.Name, err)
				os.Exit(1)
			}
			fmt.Printf("created %s (%s)\n", job.Name, shortID(job.ID))
			created++
			continue
		}

		if dryRun {
			fmt.Printf("would update %s (%s)\n", cur.Name, shortID(cur.ID))
			updated++
			continue
		}
		req := api.JobUpdate{
			Description:  mj.Description,
			JobType:      mj.JobType,
			Tags:         mj.Tags,
			Payload:      payload,
			TimeoutMS:    mj.TimeoutMS,
			MaxRetries:   mj.MaxRetries,
			RetryDelayMS: mj.RetryDelayMS,
			IsActive:     mj.IsActive,
		}
		if mj.CronExpression != "" {
			req.CronExpression = &mj.CronExpression
		}

		var job api.Job
		if err := c.put("/jobs/"+cur.ID.String(), req, &job); err != nil {
			fmt.Fprintf(os.Stderr, "Error: update %s: %s\n", mj.Name, err)
			os.Exit(1)
		}
		fmt.Printf("updated %s (%s)\n", job.Name, shortID(job.ID))
		updated++
	}

	verb := "Applied"
	if dryRun {
		verb = "Would apply"
	}
	fmt.Printf("%s %d jobs: %d created, %d updated.\n", verb, created+updated, created, updated)
}

// fetchJobsByName pages through every job on the server and indexes them by
// name. Names are unique enough in practice; on collision the last one wins.
func fetchJobsByName(c *apiClient) map[string]api.Job {
	byName := make(map[string]api.Job)
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", "100")

		var list api.JobList
		if err := c.get("/jobs?"+q.Encode(), &list); err != nil {
			fmt.Fprintf(os.Stderr, "Error: list jobs: %s\n", err)
			os.Exit(1)
		}
		for _, j := range list.Jobs {
			byName[j.Name] = j
		}
		if !list.Pagination.HasNext {
			return byName
		}
	}
}

func payloadJSON(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
